package config

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	KeyName       string              `mapstructure:"key_name"`
	Storage       BackendConfig       `mapstructure:"storage"`
	Archive       BackendConfig       `mapstructure:"archive"`
	Governance    GovernanceConfig    `mapstructure:"governance"`
	Trust         TrustConfig         `mapstructure:"trust"`
	Session       SessionConfig       `mapstructure:"session"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type GovernanceConfig struct {
	DefaultQuorum   int           `mapstructure:"default_quorum"`
	RejectThreshold int           `mapstructure:"reject_threshold"`
	RequestTTL      time.Duration `mapstructure:"request_ttl"`
	RequireSession  bool          `mapstructure:"require_session"`
	AuditWindow     int           `mapstructure:"audit_window"`
}

type TrustConfig struct {
	BackgroundPenalty int `mapstructure:"background_penalty"`
}

type SessionConfig struct {
	MinPINLength int `mapstructure:"min_pin_length"`
}

type GRPCConfig struct {
	Addr             string `mapstructure:"addr"`
	EnableReflection bool   `mapstructure:"enable_reflection"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// StorageConfig returns the backend config map with a path under the data
// directory filled in when the file-based backends have none configured.
func (c Config) StorageConfig() map[string]string {
	out := make(map[string]string, len(c.Storage.Config)+1)
	for k, v := range c.Storage.Config {
		out[k] = v
	}
	if out["path"] == "" {
		switch c.Storage.Backend {
		case "badger":
			out["path"] = filepath.Join(c.DataDir, "state")
		case "sqlite":
			out["path"] = filepath.Join(c.DataDir, "clan.db")
		}
	}
	return out
}

// ArchiveConfig mirrors StorageConfig for the audit archive sink.
func (c Config) ArchiveConfig() map[string]string {
	out := make(map[string]string, len(c.Archive.Config)+1)
	for k, v := range c.Archive.Config {
		out[k] = v
	}
	if c.Archive.Backend == "file" && out["dir"] == "" {
		out["dir"] = filepath.Join(c.DataDir, "archive")
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("key_name", Defaults.KeyName)

	v.SetDefault("storage.backend", Defaults.StorageBackend)
	v.SetDefault("archive.backend", Defaults.ArchiveBackend)

	v.SetDefault("governance.default_quorum", Defaults.Quorum)
	v.SetDefault("governance.reject_threshold", Defaults.RejectThreshold)
	v.SetDefault("governance.request_ttl", Defaults.RequestTTL)
	v.SetDefault("governance.require_session", Defaults.RequireSession)
	v.SetDefault("governance.audit_window", Defaults.AuditWindow)

	v.SetDefault("trust.background_penalty", Defaults.BackgroundPenalty)
	v.SetDefault("session.min_pin_length", Defaults.MinPINLength)

	v.SetDefault("grpc.addr", Defaults.GRPCAddr)
	v.SetDefault("grpc.enable_reflection", false)
	v.SetDefault("http.addr", Defaults.HTTPAddr)

	v.SetDefault("observability.log_level", Defaults.LogLevel)
	v.SetDefault("observability.log_format", Defaults.LogFormat)
	v.SetDefault("observability.metrics_addr", Defaults.MetricsAddr)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "clan")
	v.SetDefault("observability.service_version", "dev")
}

// BindFlags registers the global persistent flags on the root command.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file path")
	f.String("data-dir", "", "data directory (default ~/.clan)")
	f.StringP("key", "k", "", "key alias or public key hex used as the actor identity")
	f.StringP("output", "o", "text", "output format (text, json, markdown)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("store", "", "storage backend (badger, memory, sqlite, redis, postgres)")

	_ = v.BindPFlag("config", f.Lookup("config"))
	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("key_name", f.Lookup("key"))
	_ = v.BindPFlag("output", f.Lookup("output"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("storage.backend", f.Lookup("store"))
}

// BindServeFlags binds the flags of the serve command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("grpc-addr", "", "gRPC listen address")
	f.String("http-addr", "", "HTTP API listen address")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.Bool("reflection", false, "enable gRPC reflection")

	_ = v.BindPFlag("grpc.addr", f.Lookup("grpc-addr"))
	_ = v.BindPFlag("http.addr", f.Lookup("http-addr"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("grpc.enable_reflection", f.Lookup("reflection"))
}

// Load reads config from flags, env (CLAN_*), and file, returning the merged
// Config. A missing config file is only an error when configFile is explicit.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("CLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("clan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.clan")
		v.AddConfigPath("/etc/clan")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
