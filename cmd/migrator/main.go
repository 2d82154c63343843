package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	rediscache "portal/internal/cache/redis"
	"portal/internal/config"
	"portal/internal/lib/password"
	"portal/internal/services/secret"
	"portal/internal/storage/mongodb"
	"portal/internal/storage/seed"
	"portal/internal/storage/sqlite"

	"github.com/golang-migrate/migrate/v4"
)

type store interface {
	seed.Store
	secret.SecretProvider
	SetTenantActive(ctx context.Context, tenantID int64, active bool) error
	SetAccountActive(ctx context.Context, tenantID, accountID int64, active bool) error
}

func main() {
	var (
		configPath      string
		migrationsTable string
		seedData        bool
		tenantName      string
		adminEmail      string
		adminPassword   string
		tenantID        int64
		accountID       int64
		rotateSecret    bool
		disable         bool
		enable          bool
	)
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&migrationsTable, "migrations-table", "", "name of the migrations table")
	flag.BoolVar(&seedData, "seed", false, "seed a tenant, its JWT secret and an admin account")
	flag.StringVar(&tenantName, "tenant", "Default", "name of the seeded tenant")
	flag.StringVar(&adminEmail, "admin-email", "admin@example.com", "email of the seeded admin")
	flag.StringVar(&adminPassword, "admin-password", "", "password of the seeded admin (or use ADMIN_PASSWORD env)")
	flag.Int64Var(&tenantID, "tenant-id", 0, "tenant to rotate, disable or enable")
	flag.Int64Var(&accountID, "account-id", 0, "account of -tenant-id to disable or enable")
	flag.BoolVar(&rotateSecret, "rotate-secret", false, "generate a new JWT secret for -tenant-id")
	flag.BoolVar(&disable, "disable", false, "disable -account-id, or -tenant-id when no account is given")
	flag.BoolVar(&enable, "enable", false, "enable -account-id, or -tenant-id when no account is given")
	flag.Parse()

	if disable && enable {
		log.Fatal("-disable and -enable are mutually exclusive")
	}
	if (rotateSecret || disable || enable) && tenantID == 0 {
		log.Fatal("-tenant-id is required")
	}

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if adminPassword == "" {
		adminPassword = os.Getenv("ADMIN_PASSWORD")
	}

	cfg := config.MustLoadPath(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var st store
	switch cfg.Storage.Driver {
	case config.DriverMongoDB:
		log.Println("Connecting to MongoDB...")

		mst, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			log.Fatalf("failed to connect to mongodb: %v", err)
		}
		defer mst.Close(ctx)

		log.Println("MongoDB connected, indexes created successfully")
		st = mst
	default:
		if err := sqlite.Migrate(cfg.Storage.Path, migrationsTable); err != nil {
			if !errors.Is(err, migrate.ErrNoChange) {
				log.Fatalf("failed to apply migrations: %v", err)
			}
			log.Println("no migrations to apply")
		} else {
			log.Println("migrations applied")
		}

		sst, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		defer sst.Close()
		st = sst
	}

	if seedData {
		log.Println("Seeding tenant and admin account...")

		res, err := seed.Seed(ctx, st, password.NewHasher(0), seed.Options{
			TenantName:    tenantName,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
		})
		switch {
		case errors.Is(err, seed.ErrAlreadySeeded):
			log.Printf("Tenant %q already exists, skipping seed", tenantName)
		case err != nil:
			log.Fatalf("failed to seed: %v", err)
		default:
			log.Printf("Seeded tenant id=%d, admin account id=%d (%s)", res.TenantID, res.AccountID, adminEmail)
		}
	}

	if rotateSecret {
		if _, err := seed.RotateSecret(ctx, st, tenantID, ""); err != nil {
			log.Fatalf("failed to rotate secret: %v", err)
		}
		forgetSecret(ctx, cfg, st, tenantID)
		log.Printf("Rotated JWT secret of tenant id=%d", tenantID)
	}

	if disable || enable {
		var err error
		if accountID != 0 {
			err = st.SetAccountActive(ctx, tenantID, accountID, enable)
		} else {
			err = st.SetTenantActive(ctx, tenantID, enable)
		}
		if err != nil {
			log.Fatalf("failed to change active flag: %v", err)
		}
		log.Printf("Set active=%t for tenant id=%d account id=%d", enable, tenantID, accountID)
	}

	fmt.Println("Database initialization completed successfully")
}

// forgetSecret drops the rotated secret from the shared Redis cache. The
// in-process cache of a running server expires within cache.ttl.
func forgetSecret(ctx context.Context, cfg *config.Config, st store, tenantID int64) {
	if cfg.Cache.Redis.Addr == "" {
		log.Printf("No shared cache configured, running servers pick up the secret within %s", cfg.Cache.TTL)
		return
	}

	cache, err := rediscache.Connect(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer cache.Close()

	resolver := secret.New(slog.Default(), st, cache, cfg.Cache.TTL, cfg.JWT.Secret)
	if err := resolver.Forget(ctx, tenantID); err != nil {
		log.Fatalf("failed to drop cached secret: %v", err)
	}
}
