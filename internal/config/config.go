package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DriverSQLite  = "sqlite"
	DriverMongoDB = "mongodb"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	Storage StorageConfig `yaml:"storage"`
	JWT     JWTConfig     `yaml:"jwt"`
	Lockout LockoutConfig `yaml:"lockout"`
	Reset   ResetConfig   `yaml:"reset"`
	HTTP    HTTPConfig    `yaml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Cache   CacheConfig   `yaml:"cache"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

type StorageConfig struct {
	Driver string      `yaml:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	Path   string      `yaml:"path" env:"STORAGE_PATH" env-default:"./storage/portal.db"`
	Mongo  MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI" env-default:"mongodb://localhost:27017"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"portal"`
}

type JWTConfig struct {
	// Secret is the global signing secret used for tenants without their own.
	Secret          string        `yaml:"secret" env:"JWT_SECRET"`
	Issuer          string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"portal"`
	Audience        string        `yaml:"audience" env:"JWT_AUDIENCE" env-default:"portal-clients"`
	TokenTTL        time.Duration `yaml:"token_ttl" env-default:"60m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env-default:"168h"`
	RefreshPepper   string        `yaml:"refresh_pepper" env:"REFRESH_PEPPER"`
}

type LockoutConfig struct {
	MaxFailedAttempts int           `yaml:"max_failed_attempts" env-default:"5"`
	Duration          time.Duration `yaml:"duration" env-default:"15m"`
}

type ResetConfig struct {
	TokenTTL       time.Duration `yaml:"token_ttl" env-default:"24h"`
	ApplicationURL string        `yaml:"application_url" env:"APPLICATION_URL" env-default:"http://localhost:3000"`
}

type HTTPConfig struct {
	Address     string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type GRPCConfig struct {
	Port int `yaml:"port" env:"GRPC_PORT" env-default:"44044"`
}

type CacheConfig struct {
	TTL   time.Duration `yaml:"ttl" env-default:"5m"`
	Redis RedisConfig   `yaml:"redis"`
}

// RedisConfig selects the shared cache. An empty Addr keeps the in-process one.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// SMTPConfig configures reset mail delivery. An empty Host logs mails instead.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USERNAME"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"SMTP_FROM" env-default:"no-reply@localhost"`
	TLS      bool   `yaml:"tls" env:"SMTP_TLS" env-default:"true"`
}

// MQTTConfig enables audit publishing. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID" env-default:"portal"`
	Topic    string `yaml:"topic" env:"MQTT_TOPIC" env-default:"portal/audit"`
	Username string `yaml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" env:"MQTT_PASSWORD"`
}

// MustLoad reads the config file named by the -config flag or CONFIG_PATH.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadPath(path)
}

func MustLoadPath(path string) *Config {
	cfg, err := LoadPath(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// LoadPath reads the config at path, applying env overrides and defaults.
func LoadPath(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch cfg.Storage.Driver {
	case DriverSQLite, DriverMongoDB:
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}

	return &cfg, nil
}

// fetchConfigPath fetches config path from command line flag or environment variable.
// Priority: flag > env.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
