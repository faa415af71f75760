package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Telegram struct {
		Token       string
		OwnerID     int64
		PollTimeout int
	}
	Download struct {
		Dir           string
		MaxConcurrent int
		Binary        string
	}
	Storage struct {
		Bucket          string
		Region          string
		Endpoint        string
		KeyPrefix       string
		LinkTTL         time.Duration
		CredentialsFile string
		TokenFile       string
	}
	AWS struct {
		Profile string
	}
	State struct {
		PermissionsFile  string
		DestinationsFile string
	}
	Database struct {
		Path string
	}
	Admin struct {
		Addr      string
		JWTSecret string
		TokenTTL  time.Duration
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
// Variables use the RELAY_ prefix, e.g. RELAY_TELEGRAM_TOKEN.
func Load() (Config, error) {
	return load(".")
}

func load(dir string) (Config, error) {
	// existing environment wins over .env
	_ = godotenv.Load(strings.TrimSuffix(dir, "/") + "/.env")

	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.ownerid", 0)
	v.SetDefault("telegram.polltimeout", 60)
	v.SetDefault("download.dir", "data/downloads")
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("download.binary", "N_m3u8DL-RE")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.keyprefix", "m3u8-relay")
	v.SetDefault("storage.linkttl", "168h")
	v.SetDefault("storage.credentialsfile", "data/credentials.json")
	v.SetDefault("storage.tokenfile", "data/token.json")
	v.SetDefault("aws.profile", "")
	v.SetDefault("state.permissionsfile", "data/permissions.json")
	v.SetDefault("state.destinationsfile", "data/destinations.json")
	v.SetDefault("database.path", "data/relay.db")
	v.SetDefault("admin.addr", "")
	v.SetDefault("admin.jwtsecret", "")
	v.SetDefault("admin.tokenttl", "24h")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Telegram.Token) == "":
		return errors.New("telegram token is required (RELAY_TELEGRAM_TOKEN)")
	case c.Telegram.OwnerID == 0:
		return errors.New("owner id is required (RELAY_TELEGRAM_OWNERID)")
	case strings.TrimSpace(c.Storage.Bucket) == "":
		return errors.New("storage bucket is required (RELAY_STORAGE_BUCKET)")
	case c.Download.MaxConcurrent <= 0:
		return errors.New("download.maxconcurrent must be positive")
	case c.Admin.Addr != "" && strings.TrimSpace(c.Admin.JWTSecret) == "":
		return errors.New("admin jwt secret is required when the admin api is enabled")
	}
	return nil
}
