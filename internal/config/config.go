// Package config holds the snaplicator daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the snaplicatord daemon configuration.
type Config struct {
	Btrfs     BtrfsConfig     `mapstructure:"btrfs"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Replica   ReplicaConfig   `mapstructure:"replica"`
}

// ReplicaConfig locates the replica instance observed for copy progress and
// replication lag.
type ReplicaConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BtrfsConfig locates the copy-on-write dataset tree.
type BtrfsConfig struct {
	// RootDataDir is the directory holding the main dataset and all snapshots/clones.
	RootDataDir string `mapstructure:"root_data_dir"`
	// MainDataDir is the name of the live primary dataset under RootDataDir.
	MainDataDir string `mapstructure:"main_data_dir"`
}

// DockerConfig holds container-runtime settings for clone instances.
type DockerConfig struct {
	Image         string `mapstructure:"image"`
	Network       string `mapstructure:"network"`
	ContainerBase string `mapstructure:"container_base"`
}

// PostgresConfig holds the local superuser credentials for clone instances.
type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// HTTPConfig holds the API server bind settings.
type HTTPConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

// ProvisionConfig tunes the clone provisioning pipeline.
type ProvisionConfig struct {
	// PreferredPort is the first host port probed for a new clone.
	PreferredPort int `mapstructure:"preferred_port"`
	// PortAttempts bounds the linear port probe.
	PortAttempts int `mapstructure:"port_attempts"`
	// ReadyTimeout bounds the instance readiness wait.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// ReadyInterval is the fixed poll interval during the readiness wait.
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
}

// Load loads configuration from the default locations.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from a specific path.
// If configPath is empty, it searches default locations.
func LoadFromPath(configPath string) (*Config, error) {
	v := viper.New()

	v.AutomaticEnv()
	v.SetEnvPrefix("SNAPLICATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, "snaplicator"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "snaplicator"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, rely on env and defaults.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default configuration values.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("btrfs.root_data_dir", "")
	v.SetDefault("btrfs.main_data_dir", "")

	v.SetDefault("docker.image", "postgres:17")
	v.SetDefault("docker.network", "snaplicator")
	v.SetDefault("docker.container_base", "")

	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "postgres")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("http.bind", "127.0.0.1")
	v.SetDefault("http.port", 8080)

	v.SetDefault("provision.preferred_port", 5500)
	v.SetDefault("provision.port_attempts", 50)
	v.SetDefault("provision.ready_timeout", 90*time.Second)
	v.SetDefault("provision.ready_interval", time.Second)

	v.SetDefault("replica.host", "127.0.0.1")
	v.SetDefault("replica.port", 5432)
}

// Validate checks the configuration, collecting every missing required field
// into a single error so the operator fixes them in one pass.
func (c *Config) Validate() error {
	var missing []string

	if c.Btrfs.RootDataDir == "" {
		missing = append(missing, "btrfs.root_data_dir")
	}
	if c.Btrfs.MainDataDir == "" {
		missing = append(missing, "btrfs.main_data_dir")
	}
	if c.Docker.ContainerBase == "" {
		missing = append(missing, "docker.container_base")
	}
	if c.Postgres.Password == "" {
		missing = append(missing, "postgres.password")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if c.Provision.PreferredPort < 1 || c.Provision.PreferredPort > 65535 {
		return fmt.Errorf("provision.preferred_port must be between 1 and 65535")
	}
	if c.Provision.PortAttempts < 1 {
		return fmt.Errorf("provision.port_attempts must be at least 1")
	}

	return nil
}
