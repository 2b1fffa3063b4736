package config

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/spf13/viper"
)

// AppConfig holds the configuration for the application.
// Tags used:
// - mapstructure: used by viper to unmarshal
// - default: default value to set if missing
// - required: if "true", error if missing
type AppConfig struct {
	// Environment specifies the runtime environment (e.g., development, production).
	Environment string `mapstructure:"APP_ENV" default:"development"`
	// LogLevel defines the logging verbosity (e.g., debug, info, error).
	LogLevel string `mapstructure:"LOG_LEVEL" default:"info"`
	// ServerPort is the port where the server will listen.
	ServerPort int `mapstructure:"SERVER_PORT" default:"8080"`

	// Database holds the SQLite database configuration.
	Database DatabaseConfig `mapstructure:",squash"`

	// Redis holds the balance cache configuration.
	Redis RedisConfig `mapstructure:",squash"`

	// Courier holds the outbound courier gateway configuration.
	Courier CourierConfig `mapstructure:",squash"`

	// Engine holds the exception, return and reconciliation policies.
	Engine EngineConfig `mapstructure:",squash"`
}

// DatabaseConfig holds database connection details.
type DatabaseConfig struct {
	// Path is the filesystem path of the SQLite database. ":memory:" is valid.
	Path string `mapstructure:"DB_PATH" default:"./data/shipledger.db"`
}

// RedisConfig holds the Redis connection used for balance snapshots.
type RedisConfig struct {
	// URL is the Redis connection string (redis://[:password@]host[:port][/db]).
	URL string `mapstructure:"REDIS_URL" default:"redis://localhost:6379/0"`
	// BalanceTTLSeconds is how long a cached balance snapshot stays valid.
	BalanceTTLSeconds int `mapstructure:"REDIS_BALANCE_TTL_SECONDS" default:"300"`
}

// CourierConfig holds the courier gateway endpoint configuration.
type CourierConfig struct {
	// GatewayURL is the base URL of the courier aggregator gateway.
	GatewayURL string `mapstructure:"COURIER_GATEWAY_URL" default:"http://localhost:9090"`
	// TimeoutSeconds bounds each outbound courier call.
	TimeoutSeconds int `mapstructure:"COURIER_TIMEOUT_SECONDS" default:"15"`
}

// EngineConfig holds the business policies of the exception and ledger engine.
type EngineConfig struct {
	// NDRResolutionWindowHours is the resolution deadline offset for a
	// non-delivery record, counted from detection time.
	NDRResolutionWindowHours int `mapstructure:"NDR_RESOLUTION_WINDOW_HOURS" default:"48"`
	// RTOChargeMultiplier scales the forward shipping cost into the
	// return-to-origin charge.
	RTOChargeMultiplier float64 `mapstructure:"RTO_CHARGE_MULTIPLIER" default:"1.35"`
	// ReconcileIntervalSeconds is the period of the reconciliation sweep.
	ReconcileIntervalSeconds int `mapstructure:"RECONCILE_INTERVAL_SECONDS" default:"60"`
	// AutoRechargeTopUp is the minimum credit applied when an auto-recharge
	// tenant would otherwise go negative.
	AutoRechargeTopUp float64 `mapstructure:"AUTO_RECHARGE_TOP_UP" default:"500"`
	// AutoRechargeTenants lists tenant IDs with auto-recharge enabled.
	AutoRechargeTenants []string `mapstructure:"AUTO_RECHARGE_TENANTS"`
}

// Load loads configuration from .env files and environment variables.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.AutomaticEnv()

	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config AppConfig

	if err := processTags(v, &config); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := validateRequired(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// processTags iterates over the struct fields and sets default values in Viper.
func processTags(v *viper.Viper, config interface{}) error {
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	t := val.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := processTags(v, val.Field(i).Addr().Interface()); err != nil {
				return err
			}
			continue
		}

		key := field.Tag.Get("mapstructure")
		defaultValue := field.Tag.Get("default")

		if key != "" {
			v.BindEnv(key)
		}

		if key != "" && defaultValue != "" {
			v.SetDefault(key, defaultValue)
		}
	}
	return nil
}

// validateRequired checks if fields marked as required have non-zero values.
func validateRequired(config interface{}) error {
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	t := val.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Type.Kind() == reflect.Struct {
			if err := validateRequired(val.Field(i).Addr().Interface()); err != nil {
				return err
			}
			continue
		}

		required := field.Tag.Get("required")
		if required == "true" {
			value := val.Field(i)
			if isZero(value) {
				key := field.Tag.Get("mapstructure")
				return fmt.Errorf("missing required configuration: %s", key)
			}
		}
	}
	return nil
}

// isZero checks if a reflect.Value is the zero value for its type.
func isZero(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.String() == ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	default:
		return v.IsZero()
	}
}
