package app

import (
	"context"
	"log/slog"
	"time"

	grpcapp "portal/internal/app/grpc"
	httpapp "portal/internal/app/http"
	"portal/internal/audit"
	auditmqtt "portal/internal/audit/mqtt"
	"portal/internal/cache/memory"
	rediscache "portal/internal/cache/redis"
	"portal/internal/config"
	"portal/internal/domain/models"
	authhttp "portal/internal/http/auth"
	"portal/internal/lib/password"
	"portal/internal/lib/sl"
	"portal/internal/notify/email"
	"portal/internal/services/auth"
	"portal/internal/services/lockout"
	"portal/internal/services/reset"
	"portal/internal/services/secret"
	"portal/internal/services/token"
	"portal/internal/storage/mongodb"
	"portal/internal/storage/sqlite"
)

const connectTimeout = 10 * time.Second

// Gateway is the persistence surface shared by the SQLite and MongoDB stores.
type Gateway interface {
	secret.SecretProvider
	lockout.AttemptRecorder
	token.AccountProvider
	token.RefreshTokenStore
	reset.AccountProvider
	reset.ResetStore
	audit.EntrySaver
	SaveTenant(ctx context.Context, name string, active bool) (int64, error)
	SaveSecret(ctx context.Context, secret models.Secret) error
	SaveAccount(ctx context.Context, acc *models.Account) (int64, error)
}

type App struct {
	GRPCSrv *grpcapp.App
	HTTPSrv *httpapp.App
	log     *slog.Logger
	closers []func(ctx context.Context) error
}

func New(logger *slog.Logger, cfg *config.Config) *App {
	a := &App{log: logger}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	gateway := a.mustStorage(ctx, cfg.Storage)
	cache := a.mustCache(ctx, cfg.Cache)
	recorder := a.mustAudit(gateway, cfg.MQTT)
	mailer := mustMailer(logger, cfg.SMTP)

	resolver := secret.New(logger, gateway, cache, cfg.Cache.TTL, cfg.JWT.Secret)
	tokens := token.New(logger, resolver, gateway, gateway, token.Config{
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		AccessTTL:     cfg.JWT.TokenTTL,
		RefreshTTL:    cfg.JWT.RefreshTokenTTL,
		RefreshPepper: cfg.JWT.RefreshPepper,
	})
	policy := lockout.New(logger, gateway, cfg.Lockout.MaxFailedAttempts, cfg.Lockout.Duration)
	hasher := password.NewHasher(0)
	resets := reset.New(logger, gateway, gateway, hasher, mailer, recorder, cfg.Reset.ApplicationURL, cfg.Reset.TokenTTL)

	authService := auth.New(logger, gateway, hasher, policy, tokens, resets, recorder)
	handler := authhttp.NewHandler(logger, authService)

	a.HTTPSrv = httpapp.New(logger, httpapp.Config{
		Address:     cfg.HTTP.Address,
		Timeout:     cfg.HTTP.Timeout,
		IdleTimeout: cfg.HTTP.IdleTimeout,
	}, handler.Routes())
	a.GRPCSrv = grpcapp.New(logger, cfg.GRPC.Port)
	a.GRPCSrv.MarkServing()

	return a
}

// Close releases storage, cache and broker connections in reverse order.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Error("failed to close dependency", sl.Err(err))
		}
	}
}

func (a *App) mustStorage(ctx context.Context, cfg config.StorageConfig) Gateway {
	switch cfg.Driver {
	case config.DriverMongoDB:
		st, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			panic(err)
		}
		a.closers = append(a.closers, st.Close)
		return st
	default:
		st, err := sqlite.New(cfg.Path)
		if err != nil {
			panic(err)
		}
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
		return st
	}
}

func (a *App) mustCache(ctx context.Context, cfg config.CacheConfig) secret.Cache {
	if cfg.Redis.Addr == "" {
		return memory.New()
	}

	c, err := rediscache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		panic(err)
	}
	a.closers = append(a.closers, func(context.Context) error { return c.Close() })

	return c
}

func (a *App) mustAudit(saver audit.EntrySaver, cfg config.MQTTConfig) *audit.Recorder {
	recorder := audit.New(a.log).With("storage", audit.StorageSink(saver))
	if cfg.Broker == "" {
		return recorder
	}

	pub, err := auditmqtt.Connect(auditmqtt.Config{
		Broker:   cfg.Broker,
		ClientID: cfg.ClientID,
		Topic:    cfg.Topic,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		panic(err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pub.Close()
		return nil
	})

	return recorder.With("mqtt", pub)
}

func mustMailer(log *slog.Logger, cfg config.SMTPConfig) reset.Mailer {
	if cfg.Host == "" {
		log.Warn("smtp host is not configured, reset links are only logged")
		return email.NewLogSender(log)
	}

	sender, err := email.NewSMTPSender(log, email.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		TLS:      cfg.TLS,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
	if err != nil {
		panic(err)
	}

	return sender
}
