// Package config loads environment variables & the config.yaml file
// into typed config structs for the agents, the coordinator, the store,
// the database and the container runtime.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type (
	AppConfig struct {
		App     *App     `mapstructure:"app"`
		Redis   *Redis   `mapstructure:"redis"`
		DB      *DB      `mapstructure:"db"`
		Docker  *Docker  `mapstructure:"docker"`
		Agent   *Agent   `mapstructure:"agent"`
		Archive *Archive `mapstructure:"archive"`
		Metrics *Metrics `mapstructure:"metrics"`
		Logger  *Logger  `mapstructure:"logger"`
		Routes  []Route  `mapstructure:"routes"`
	}

	// App contains the application-wide environment variables
	App struct {
		Name string `mapstructure:"name"`
		Env  string `mapstructure:"env"`
	}

	// Redis contains the environment variables for the shared store
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains the environment variables for the result archive
	// database
	DB struct {
		Connection string `mapstructure:"connection"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// Docker contains the container wiring for spawned domain
	// processes. Memory accepts human-readable sizes like "512m".
	Docker struct {
		Image            string        `mapstructure:"image"`
		Network          string        `mapstructure:"network"`
		Memory           string        `mapstructure:"memory"`
		CPUs             float64       `mapstructure:"cpus"`
		Binds            []string      `mapstructure:"binds"`
		ReadinessTimeout time.Duration `mapstructure:"readinessTimeout"`
		StopGrace        time.Duration `mapstructure:"stopGrace"`
		DomainTypes      []string      `mapstructure:"domainTypes"`
	}

	// Agent contains the per-process identity plus the run loop knobs
	Agent struct {
		ID          string        `mapstructure:"id"`
		DomainType  string        `mapstructure:"domainType"`
		MaxParallel int           `mapstructure:"maxParallel"`
		ExecCommand string        `mapstructure:"execCommand"`
		ExecWorkDir string        `mapstructure:"execWorkDir"`
		TaskTimeout time.Duration `mapstructure:"taskTimeout"`
	}

	// Archive toggles the durable result archive
	Archive struct {
		Enabled bool `mapstructure:"enabled"`
	}

	// Metrics configures the telemetry listener
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	}

	// Route is one routing table entry mapping capability keywords to
	// executor names
	Route struct {
		Match      []string `mapstructure:"match"`
		Executors  []string `mapstructure:"executors"`
		Sequential bool     `mapstructure:"sequential"`
	}

	// Logger contains the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// MemoryBytes parses the configured memory limit, zero when unset.
func (d *Docker) MemoryBytes() int64 {
	if d == nil || d.Memory == "" {
		return 0
	}
	n, err := units.RAMInBytes(d.Memory)
	if err != nil {
		log.Fatalf("invalid docker.memory value %q: %v", d.Memory, err)
	}
	return n
}

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/agentgrid/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind store variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind per-process identity: the supervisor injects these into
	// every domain container it starts
	viper.BindEnv("agent.id", "AGENT_ID")
	viper.BindEnv("agent.domainType", "DOMAIN_TYPE")

	viper.BindEnv("docker.image", "DOMAIN_IMAGE")
	viper.BindEnv("docker.network", "DOMAIN_NETWORK")

	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}
