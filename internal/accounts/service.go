// Package accounts manages the auth principals created by provisioning and
// the one-time login links handed out after payment.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"clinicflow/api/internal/auth"
	"clinicflow/api/internal/logging"
	"clinicflow/api/internal/store"
	"clinicflow/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var ErrLinkUsed = errors.New("magic link already used")

// UserStore is the slice of the store that owns auth principals.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUser(ctx context.Context, id string) (store.User, error)
	InsertUser(ctx context.Context, u store.User) (store.User, error)
}

// Burner records a login token as spent. It reports false when the token
// had already been spent.
type Burner interface {
	BurnLoginToken(ctx context.Context, tokenHash string, expiresAt time.Time) (bool, error)
}

// Mailer delivers magic links when SMTP is configured.
type Mailer interface {
	IsConfigured() bool
	SendMagicLinkEmail(to, userName, clinicName, loginURL string, ttl time.Duration) error
}

type Config struct {
	AppBaseURL string
	Secret     []byte
	TTL        time.Duration
}

type Service struct {
	store  UserStore
	burner Burner
	mailer Mailer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the accounts service. mailer may be nil.
func NewService(users UserStore, burner Burner, mailer Mailer, cfg Config, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	cfg.AppBaseURL = strings.TrimRight(cfg.AppBaseURL, "/")
	return &Service{
		store:  users,
		burner: burner,
		mailer: mailer,
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With("component", "accounts"),
		now:    time.Now,
	}
}

// EnsureUser looks the principal up by email before creating it, so retries
// converge on one account. New principals get an unusable random password;
// they sign in through magic links.
func (s *Service) EnsureUser(ctx context.Context, email, displayName string) (store.User, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return store.User{}, false, errors.New("email is required")
	}
	existing, err := s.store.FindUserByEmail(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !store.IsNotFound(err) {
		return store.User{}, false, fmt.Errorf("find user: %w", err)
	}

	secret, err := generateToken()
	if err != nil {
		return store.User{}, false, fmt.Errorf("generate password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, false, fmt.Errorf("hash password: %w", err)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = email
	}
	created, err := s.store.InsertUser(ctx, store.User{
		ID:           util.NewID("usr"),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
	})
	if err != nil {
		return store.User{}, false, err
	}
	return created, true, nil
}

type LinkRequest struct {
	UserID     string
	Email      string
	Name       string
	ClinicName string
	ProposalID string
}

type MagicLink struct {
	URL       string
	ExpiresAt time.Time
	Emailed   bool
}

// IssueMagicLink signs a one-time login token and, when SMTP is configured,
// emails the link. Delivery failures are logged; the link is still returned.
func (s *Service) IssueMagicLink(ctx context.Context, req LinkRequest) (MagicLink, error) {
	issued, err := auth.IssueMagicToken(s.cfg.Secret, req.UserID, req.Email, req.ProposalID, s.cfg.TTL, s.now())
	if err != nil {
		return MagicLink{}, err
	}
	link := MagicLink{
		URL:       s.cfg.AppBaseURL + "/auth/magic?token=" + url.QueryEscape(issued.Token),
		ExpiresAt: issued.ExpiresAt,
	}
	if s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.mailer.SendMagicLinkEmail(req.Email, req.Name, req.ClinicName, link.URL, s.cfg.TTL); err != nil {
			s.logger.ErrorContext(ctx, "magic link email failed", "user_id", req.UserID, "error", err)
		} else {
			link.Emailed = true
		}
	}
	return link, nil
}

type Session struct {
	User       store.User
	ProposalID string
	ExpiresAt  time.Time
}

// ConsumeMagicLink verifies the token and spends it. A second use fails with
// ErrLinkUsed.
func (s *Service) ConsumeMagicLink(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, auth.ErrInvalidToken
	}
	claims, err := auth.ParseMagicToken(s.cfg.Secret, token)
	if err != nil {
		return Session{}, err
	}
	expiresAt := claims.ExpiresAt.Time
	fresh, err := s.burner.BurnLoginToken(ctx, auth.HashToken(claims.ID), expiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("burn login token: %w", err)
	}
	if !fresh {
		return Session{}, ErrLinkUsed
	}
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	return Session{User: user, ProposalID: claims.ProposalID, ExpiresAt: expiresAt}, nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
