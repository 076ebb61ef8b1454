package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"blueroots.org/internal/audit"
	"blueroots.org/internal/auth"
	"blueroots.org/internal/config"
	"blueroots.org/internal/events"
	"blueroots.org/internal/httpapi"
	"blueroots.org/internal/incidents"
	"blueroots.org/internal/mail"
	"blueroots.org/internal/obs"
	"blueroots.org/internal/store/pg"
	"blueroots.org/internal/users"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "blueroots-api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := obs.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pg.Open(cfg.DatabaseURL, pg.PoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	if err := db.EnsureRoles(ctx); err != nil {
		return err
	}

	creds, err := auth.NewCredentialService(auth.CredentialConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        cfg.TokenIssuer,
	})
	if err != nil {
		return err
	}
	authz, err := auth.NewAuthorizer(creds, db, db)
	if err != nil {
		return err
	}

	var sender mail.Sender
	if cfg.SMTP.Host == "" {
		logger.Warn("SMTP_HOST not set; emails are logged instead of sent")
		sender = mail.NewLogSender(logger.Named("mail"))
	} else {
		sender, err = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return err
		}
	}

	feed := events.NewFeed(32)
	publishers := events.Multi{feed}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(ctx, events.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange}, logger.Named("amqp"))
		if err != nil {
			return err
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
	}

	auditLog := audit.NewLogger(logger.Named("audit"))

	userSvc, err := users.NewService(db, creds, mail.NewNotifier(sender, cfg.ClientURL),
		users.WithStoredRefreshMarker(cfg.RefreshRequiresStoredMarker),
		users.WithAudit(auditLog),
		users.WithLogger(logger.Named("users")),
	)
	if err != nil {
		return err
	}
	incidentSvc, err := incidents.NewService(db, publishers,
		incidents.WithAudit(auditLog),
		incidents.WithLogger(logger.Named("incidents")),
	)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Users:      userSvc,
		Incidents:  incidentSvc,
		Authorizer: authz,
		Tx:         db,
		Feed:       feed,
		Ready:      db,
		Logger:     logger.Named("http"),
	}, httpapi.Options{
		Version:        version,
		Development:    cfg.IsDevelopment(),
		SecureCookies:  cfg.SecureCookies(),
		AllowedOrigins: cfg.AllowedOrigins(),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting blueroots-api", zap.String("version", version), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Open alert streams keep connections busy past the deadline.
		logger.Warn("graceful shutdown incomplete, closing connections", zap.Error(err))
		_ = srv.Close()
	}
	logger.Info("stopped")
	return nil
}
