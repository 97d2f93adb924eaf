package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/logger"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// Config holds every sub-config.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"    validate:"required"`
	Logging    LoggingConfig    `mapstructure:"logging"    validate:"required"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    validate:"required"`
	API        APIConfig        `mapstructure:"api"        validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"   validate:"required"`
	StateStore StateStoreConfig `mapstructure:"statestore" validate:"required"`
	Fleet      FleetConfig      `mapstructure:"fleet"      validate:"required"`
	Capacity   CapacityConfig   `mapstructure:"capacity"   validate:"required"`
	Status     StatusConfig     `mapstructure:"status"     validate:"required"`
	Plans      PlansConfig      `mapstructure:"plans"      validate:"required"`
	Throttling ThrottlingConfig `mapstructure:"throttling" validate:"required"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	DataDir string `mapstructure:"data_dir" json:"data_dir" validate:"required"`
}

func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		performCrossFieldValidation(sl, cfg)
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Listen address in ":port" or "host:port" form
	if err := validate.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		if addr == "" {
			return false
		}
		if strings.HasPrefix(addr, ":") {
			_, err := net.LookupPort("tcp", addr[1:])
			return err == nil
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		if host != "" && net.ParseIP(host) == nil && !hostnameRe.MatchString(host) {
			return false
		}
		return true
	}); err != nil {
		logger.Error("Failed to register listenaddr validator", zap.Error(err))
	}

	// Duration between 1s and 24h
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= time.Second && d <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	// Duration between 1s and 1h
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= time.Second && d <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		f := fl.Field().String()
		return f == "console" || f == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	// Hostname or IP
	if err := validate.RegisterValidation("host", func(fl validator.FieldLevel) bool {
		host := fl.Field().String()
		if host == "" {
			return false
		}
		if net.ParseIP(host) != nil {
			return true
		}
		return hostnameRe.MatchString(host)
	}); err != nil {
		logger.Error("Failed to register host validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	// Sweep detection precision depends on the sweep running at least a few
	// times per heartbeat-timeout window.
	if cfg.Status.SweepInterval > cfg.Status.HeartbeatTimeout {
		sl.ReportError(cfg.Status.SweepInterval, "SweepInterval", "SweepInterval", "sweep_slower_than_timeout", "")
	}

	// A server TTL shorter than the sweep interval would flap liveness.
	if cfg.Fleet.ServerTTL < cfg.Status.SweepInterval {
		sl.ReportError(cfg.Fleet.ServerTTL, "ServerTTL", "ServerTTL", "ttl_shorter_than_sweep", "")
	}

	if cfg.Database.Port != 0 && cfg.Database.Port == cfg.Metrics.Port {
		sl.ReportError(cfg.Database.Port, "Port", "Port", "port_conflict", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TUNNELMESH") // TUNNELMESH_STATUS_HEARTBEAT_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if log != nil {
		log.Info("configuration loaded", zap.String("version", Version))
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("fleet"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "listenaddr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "host":
		return fmt.Sprintf("%s must be a valid hostname or IP address (got: %v)", field, value)
	case "sweep_slower_than_timeout":
		return "status sweep interval must not exceed the heartbeat timeout"
	case "ttl_shorter_than_sweep":
		return "fleet server TTL must not be shorter than the status sweep interval"
	case "port_conflict":
		return "database port conflicts with metrics port, they must be different"
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}
