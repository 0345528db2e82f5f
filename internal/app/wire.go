package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"clinicflow/api/internal/accounts"
	"clinicflow/api/internal/config"
	"clinicflow/api/internal/contract"
	"clinicflow/api/internal/email"
	"clinicflow/api/internal/esign"
	"clinicflow/api/internal/payments"
	"clinicflow/api/internal/provisioning"
	"clinicflow/api/internal/session"
	"clinicflow/api/internal/store"
	"clinicflow/api/internal/webhooks"
	"clinicflow/api/internal/workflow"
)

// Runtime is the assembled service graph shared by the API server and the
// operator CLI.
type Runtime struct {
	Store       *store.PostgresStore
	Workflow    *workflow.Service
	Accounts    *accounts.Service
	Provisioner *provisioning.Service
	Server      *HTTPServer
	RateLimiter *RateLimiter

	closers []func() error
}

// Close releases optional connections opened by Build. The database handle
// belongs to the caller.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build wires every component from cfg. Redis, object storage, SMTP and both
// providers are optional; missing provider credentials surface as 500s on the
// calls that need them.
func Build(ctx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Store: store.NewPostgresStore(db)}
	checks := map[string]Pinger{"database": rt.Store}

	var (
		locker session.Locker = session.NewLocalLocker()
		burner accounts.Burner = rt.Store
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.closers = append(rt.closers, redisStore.Close)
		locker, burner = redisStore, redisStore
		checks["redis"] = redisStore
		logger.Info("using redis for proposal locks and magic link burns")
	} else {
		logger.Warn("REDIS_URL not set, proposal locks are process local")
	}

	var archive contract.Archiver
	archiver, err := contract.NewMinIOArchiver(contract.ArchiveConfig{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("contract archive: %w", err)
	}
	if archiver != nil {
		if err := archiver.EnsureBucket(ctx); err != nil {
			logger.Warn("contract archive bucket unavailable", "bucket", cfg.ArchiveBucket, "error", err)
		}
		archive = archiver
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Warn("SMTP not configured, magic links are returned but not emailed")
	}

	rt.Accounts = accounts.NewService(rt.Store, burner, mailer, accounts.Config{
		AppBaseURL: cfg.AppBaseURL,
		Secret:     []byte(cfg.MagicLinkSecret),
		TTL:        cfg.MagicLinkTTL,
	}, logger)
	rt.Provisioner = provisioning.NewService(rt.Store, rt.Accounts, locker, cfg.LockTTL, cfg.LockWait, logger)

	signatures := esign.NewClient(esign.Config{
		BaseURL: cfg.SignatureBaseURL,
		Token:   cfg.SignatureAPIToken,
		Lang:    cfg.SignatureLang,
		Timeout: cfg.GatewayTimeout,
	})
	charges := payments.NewClient(payments.Config{
		BaseURL: cfg.PaymentBaseURL,
		APIKey:  cfg.PaymentAPIKey,
		Timeout: cfg.GatewayTimeout,
	})
	if !signatures.Configured() {
		logger.Warn("signature provider not configured")
	}
	if !charges.Configured() {
		logger.Warn("payment provider not configured")
	}

	renderer := contract.NewRenderer(rt.Store, contract.NewChromeConverter(cfg.GatewayTimeout), archive, logger)

	rt.Workflow = workflow.NewService(workflow.Deps{
		Store:       rt.Store,
		Contracts:   renderer,
		Signatures:  signatures,
		Payments:    charges,
		Provisioner: rt.Provisioner,
		Accounts:    rt.Accounts,
		Locker:      locker,
		Logger:      logger,
	}, workflow.Config{
		LockTTL:        cfg.LockTTL,
		LockWait:       cfg.LockWait,
		PaymentDueDays: cfg.PaymentDueDays,
		Splits:         paymentSplits(cfg.PaymentSplits),
	})

	rt.RateLimiter = NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	rt.Server = NewHTTPServer(Deps{
		Workflow:          rt.Workflow,
		MagicLinks:        rt.Accounts,
		Provisioner:       rt.Provisioner,
		PaymentWebhooks:   webhooks.NewPaymentReconciler(rt.Store, rt.Provisioner, cfg.PaymentWebhookToken, logger),
		SignatureWebhooks: webhooks.NewSignatureReconciler(rt.Store, cfg.SignatureWebhookSecret, logger),
		Checks:            checks,
		SyncToken:         cfg.SyncToken,
		CORSOrigin:        cfg.CORSOrigin,
		RateLimiter:       rt.RateLimiter,
		Logger:            logger,
	})
	return rt, nil
}

func paymentSplits(splits []config.Split) []payments.Split {
	out := make([]payments.Split, 0, len(splits))
	for _, s := range splits {
		out = append(out, payments.Split{WalletID: s.WalletID, PercentualValue: s.Percent})
	}
	return out
}
