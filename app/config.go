package chatsync

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	DevMode  = "dev"
	ProdMode = "prod"
)

// EnvPrefix is prepended to the environment variables read by LoadConfig,
// e.g. CHATSYNC_STORE_DRIVER sets store.driver.
const EnvPrefix = "CHATSYNC"

const (
	SQLiteDriver   = "sqlite"
	PostgresDriver = "postgres"
)

type Config struct {
	// Mode is either dev or prod. The default is dev.
	Mode string `validate:"required,oneof=dev prod"`
	// Port is the Port number the UI bridge listens on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname the UI bridge listens on. The default is 127.0.0.1.
	Hostname string `validate:"required"`
	// AllowedOrigins is a list of origins that are allowed to call the UI bridge.
	// The default is ["*"].
	AllowedOrigins []string
	Log            struct {
		Level  string `validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
		Format string `validate:"required,oneof=text json"`
	}
	Store struct {
		Driver string `validate:"required,oneof=sqlite postgres"`
		SQLite struct {
			// File is the path to the SQLite database file.
			File string
		}
		Postgres struct {
			URL string
		}
	}
	Realtime struct {
		// URL is the websocket endpoint of the realtime service.
		// It is only used with the postgres driver, the sqlite driver serves realtime in process.
		URL    string
		APIKey string
	}
	Auth struct {
		// Token is the access token of the signed in user. Empty means anonymous.
		Token string
		// Secret is the key the access token is signed with.
		// The secret must be a base64 encoded string.
		Secret Base64Encoded
	}
	Messages struct {
		PageSize      int           `validate:"gt=0,lte=500"`
		SweepInterval time.Duration `validate:"gt=0"`
	}
	Typing struct {
		Debounce   time.Duration `validate:"gt=0"`
		Visibility time.Duration `validate:"gt=0"`
	}
	Shutdown struct {
		Timeout time.Duration `validate:"gt=0"`
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", DevMode)
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "127.0.0.1")
	v.SetDefault("allowedorigins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", SQLiteDriver)
	v.SetDefault("store.sqlite.file", "./chatsync.db")
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.apikey", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("messages.pagesize", 40)
	v.SetDefault("messages.sweepinterval", "5s")
	v.SetDefault("typing.debounce", "800ms")
	v.SetDefault("typing.visibility", "3s")
	v.SetDefault("shutdown.timeout", "20s")
}

// LoadConfig loads the configuration from the config file in dir, a .env file and environment variables.
// Both files are optional.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(dir)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	switch c.Store.Driver {
	case SQLiteDriver:
		if c.Store.SQLite.File == "" {
			return errors.New("store.sqlite.file is required with the sqlite driver")
		}
	case PostgresDriver:
		if c.Store.Postgres.URL == "" || c.Realtime.URL == "" {
			return errors.New("store.postgres.url and realtime.url are required with the postgres driver")
		}
	}
	if c.Auth.Token != "" && len(c.Auth.Secret) == 0 {
		return errors.New("auth.secret is required to verify auth.token")
	}
	c.valid = true
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, key := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[key])
		sb.WriteString("\n")
	}
	return sb.String()
}
