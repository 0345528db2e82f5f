// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppName  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Clinicflow"
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends an HTML email with a plain text fallback part
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-clinicflow"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// MagicLinkData holds data for the access email
type MagicLinkData struct {
	AppName    string
	UserName   string
	ClinicName string
	LoginURL   string
	ExpiresIn  string
}

// SendMagicLinkEmail sends the one-time access link issued after payment
func (s *Service) SendMagicLinkEmail(to, userName, clinicName, loginURL string, ttl time.Duration) error {
	data := MagicLinkData{
		AppName:    s.config.AppName,
		UserName:   userName,
		ClinicName: clinicName,
		LoginURL:   loginURL,
		ExpiresIn:  humanDuration(ttl),
	}

	html, err := renderMagicLink(data)
	if err != nil {
		return fmt.Errorf("render magic link template: %w", err)
	}
	text := fmt.Sprintf("Acesse %s: %s (valido por %s)", s.config.AppName, loginURL, data.ExpiresIn)
	subject := fmt.Sprintf("Seu acesso ao %s", s.config.AppName)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d h", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%d min", int(d/time.Minute))
	default:
		return fmt.Sprintf("%d s", int(d/time.Second))
	}
}

var magicLinkTmpl = template.Must(template.New("magic-link").Parse(magicLinkEmailTemplate))

func renderMagicLink(data MagicLinkData) (string, error) {
	var buf bytes.Buffer
	if err := magicLinkTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const magicLinkEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0f766e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .link { word-break: break-all; color: #0f766e; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>Ola, {{.UserName}}!</h2>
    <p>O pagamento de {{if .ClinicName}}{{.ClinicName}}{{else}}sua clinica{{end}} foi confirmado e o seu acesso ao {{.AppName}} esta pronto.</p>
    <p><a href="{{.LoginURL}}" class="button">Entrar no {{.AppName}}</a></p>
    <p>Ou copie este link no navegador:</p>
    <p class="link">{{.LoginURL}}</p>
    <div class="footer">
        <p>O link pode ser usado uma unica vez e expira em {{.ExpiresIn}}.</p>
    </div>
</body>
</html>`
