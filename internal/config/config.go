// Package config loads service settings from defaults, an optional config file,
// a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings is the root configuration of the service.
type Settings struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerSettings  `mapstructure:"server"`
	API         APISettings     `mapstructure:"api"`
	Model       ModelSettings   `mapstructure:"model"`
	Database    Database        `mapstructure:"database"`
	Log         LogSettings     `mapstructure:"log"`
	Dashboard   DashboardConfig `mapstructure:"dashboard"`
}

type ServerSettings struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	BodyLimit      string        `mapstructure:"body_limit"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	// PredictRateLimit is requests per second accepted on /api/predict; 0 disables the limiter.
	PredictRateLimit float64 `mapstructure:"predict_rate_limit"`
}

// Address returns host:port for the listener.
func (s ServerSettings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type APISettings struct {
	Token   string `mapstructure:"token"`
	Version string `mapstructure:"version"`
}

type ModelSettings struct {
	Path         string `mapstructure:"path"`
	MetadataPath string `mapstructure:"metadata_path"`
	// LibraryPath points at the onnxruntime shared library when it is not on the default search path.
	LibraryPath string `mapstructure:"library_path"`
	Threads     int    `mapstructure:"threads"`
	// Lazy defers loading the artifact until the first prediction.
	Lazy          bool   `mapstructure:"lazy"`
	ImageSize     int    `mapstructure:"image_size"`
	Interpolation string `mapstructure:"interpolation"`
}

type Database struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	Table           string        `mapstructure:"table"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DashboardConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// envBindings keeps the variable names used by existing deployments.
var envBindings = map[string]string{
	"database.host":     "DB_HOST",
	"database.port":     "DB_PORT",
	"database.name":     "DB_NAME",
	"database.user":     "DB_USER",
	"database.password": "DB_PWD",
	"database.table":    "DB_TABLE_MONITORING",
	"api.token":         "API_TOKEN",
	"server.port":       "PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.body_limit", "10M")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.predict_rate_limit", 0)

	v.SetDefault("api.version", "2.0.0")

	v.SetDefault("model.path", filepath.Join("data", "processed", "models", "cats_dogs_model.onnx"))
	v.SetDefault("model.metadata_path", "")
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.lazy", false)
	v.SetDefault("model.image_size", 0)
	v.SetDefault("model.interpolation", "bilinear")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.sqlite_path", filepath.Join("data", "catdog.db"))
	v.SetDefault("database.table", "predictions_feedback")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.slow_threshold", 200*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("dashboard.cache_ttl", 30*time.Second)
}

// Load reads settings. configFile may be empty, in which case config.yaml is
// searched in the usual locations and its absence is not an error.
func Load(configFile string) (*Settings, error) {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CATDOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "CATDOG_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".catdog"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks settings that would otherwise fail late at runtime.
func (s *Settings) Validate() error {
	var errs []error

	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if s.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if s.Model.ImageSize < 0 {
		errs = append(errs, fmt.Errorf("model.image_size must not be negative, got %d", s.Model.ImageSize))
	}

	switch s.Database.Driver {
	case DriverPostgres, DriverMySQL:
		if s.Database.Host == "" || s.Database.Name == "" || s.Database.User == "" {
			errs = append(errs, fmt.Errorf("database host, name and user are required for %s", s.Database.Driver))
		}
	case DriverSQLite:
		if s.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", s.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (s *Settings) IsDevelopment() bool {
	return s.Environment == "development"
}

// DSN returns the driver-specific connection string.
func (d Database) DSN() string {
	switch d.Driver {
	case DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.User, d.Password),
			Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:     d.Name,
			RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
		}
		return u.String()
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)), d.Name)
	default:
		return d.SQLitePath
	}
}

// MaskedDSN returns the DSN with the password hidden, for logs.
func (d Database) MaskedDSN() string {
	if d.Password == "" {
		return d.DSN()
	}
	masked := d
	masked.Password = "***"
	dsn := masked.DSN()
	// url.UserPassword escapes the asterisks.
	return strings.ReplaceAll(dsn, "%2A%2A%2A", "***")
}
