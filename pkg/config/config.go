package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrMissingValue = errors.New("missing config value")
	ErrInvalidValue = errors.New("invalid config value")
)

type Config struct {
	Node struct {
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"node"`

	Monitor struct {
		NodeURL        string        `mapstructure:"node_url"`
		RPCURL         string        `mapstructure:"rpc_url"`
		MaxCatchupSlot uint64        `mapstructure:"max_catchup_slot"`
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		RetryBudget    int           `mapstructure:"retry_budget"`
		RetryDelay     time.Duration `mapstructure:"retry_delay"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"monitor"`

	P2P struct {
		Port          int           `mapstructure:"port"`
		PeerAddr      string        `mapstructure:"peer_addr"`
		KeyPath       string        `mapstructure:"key_path"`
		StreamTimeout time.Duration `mapstructure:"stream_timeout"`
		RetryInterval time.Duration `mapstructure:"retry_interval"`
	} `mapstructure:"p2p"`

	Tower struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"tower"`

	Identity struct {
		ReferenceKeyPath string `mapstructure:"reference_key_path"`
		PrimaryKeyPath   string `mapstructure:"primary_key_path"`
		DemoteCommand    string `mapstructure:"demote_command"`
		PromoteCommand   string `mapstructure:"promote_command"`
		// RoleStatePath records the role set by the last handoff.
		// Defaults to the tower path plus ".role".
		RoleStatePath string `mapstructure:"role_state_path"`
	} `mapstructure:"identity"`

	Status struct {
		ListenAddr string        `mapstructure:"listen_addr"`
		Interval   time.Duration `mapstructure:"interval"`
	} `mapstructure:"status"`

	Backup struct {
		AccountID       string        `mapstructure:"account_id"`
		AccessKeyID     string        `mapstructure:"access_key_id"`
		SecretAccessKey string        `mapstructure:"secret_access_key"`
		Bucket          string        `mapstructure:"bucket"`
		ObjectKey       string        `mapstructure:"object_key"`
		Interval        time.Duration `mapstructure:"interval"`
	} `mapstructure:"backup"`

	Events struct {
		Brokers string `mapstructure:"brokers"`
		Topic   string `mapstructure:"topic"`
	} `mapstructure:"events"`
}

// envBindings maps config keys to the environment names operators already use.
var envBindings = map[string]string{
	"node.log_level":              "LOG_LEVEL",
	"monitor.node_url":            "NODE_URL",
	"monitor.rpc_url":             "RPC_URL",
	"monitor.max_catchup_slot":    "MAX_CATCHUP_SLOT",
	"monitor.poll_interval":       "POLL_INTERVAL",
	"monitor.retry_budget":        "RETRY_BUDGET",
	"monitor.retry_delay":         "RETRY_DELAY",
	"monitor.request_timeout":     "RPC_TIMEOUT",
	"p2p.port":                    "PORT",
	"p2p.peer_addr":               "QUIC_SERVER_URL",
	"p2p.key_path":                "TRANSPORT_KEY_PATH",
	"p2p.stream_timeout":          "STREAM_TIMEOUT",
	"p2p.retry_interval":          "HANDOFF_RETRY_INTERVAL",
	"tower.path":                  "TOWER_FILE_PATH",
	"identity.reference_key_path": "NODE_REFERENCE_KEY_PATH",
	"identity.primary_key_path":   "NODE_PRIMARY_KEY_PATH",
	"identity.demote_command":     "DEMOTE_COMMAND",
	"identity.promote_command":    "PROMOTE_COMMAND",
	"identity.role_state_path":    "ROLE_STATE_PATH",
	"status.listen_addr":          "STATUS_ADDR",
	"status.interval":             "STATUS_INTERVAL",
	"backup.account_id":           "R2_ACCOUNT_ID",
	"backup.access_key_id":        "R2_ACCESS_KEY_ID",
	"backup.secret_access_key":    "R2_SECRET_ACCESS_KEY",
	"backup.bucket":               "R2_BUCKET",
	"backup.object_key":           "R2_OBJECT_KEY",
	"backup.interval":             "BACKUP_INTERVAL",
	"events.brokers":              "KAFKA_BROKERS",
	"events.topic":                "KAFKA_TOPIC",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.log_level", "info")
	v.SetDefault("monitor.node_url", "http://localhost:8899")
	v.SetDefault("monitor.rpc_url", "http://localhost:8899")
	v.SetDefault("monitor.max_catchup_slot", 30)
	v.SetDefault("monitor.poll_interval", 100*time.Millisecond)
	v.SetDefault("monitor.retry_budget", 5)
	v.SetDefault("monitor.retry_delay", 100*time.Millisecond)
	v.SetDefault("monitor.request_timeout", 2*time.Second)
	v.SetDefault("p2p.key_path", "key.pem")
	v.SetDefault("p2p.stream_timeout", 10*time.Second)
	v.SetDefault("p2p.retry_interval", time.Second)
	v.SetDefault("status.interval", time.Second)
	v.SetDefault("backup.object_key", "tower.bin")
	v.SetDefault("backup.interval", 30*time.Second)
	v.SetDefault("events.topic", "tower-handoff")
}

// LoadConfig reads the optional YAML file at path, then overlays the environment.
// An empty path means environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.Identity.RoleStatePath == "" && c.Tower.Path != "" {
		c.Identity.RoleStatePath = c.Tower.Path + ".role"
	}

	return &c, nil
}

// Validate reports the first value the agent cannot safely run without.
func (c *Config) Validate() error {
	required := []struct {
		env, val string
	}{
		{"NODE_URL", c.Monitor.NodeURL},
		{"RPC_URL", c.Monitor.RPCURL},
		{"QUIC_SERVER_URL", c.P2P.PeerAddr},
		{"TRANSPORT_KEY_PATH", c.P2P.KeyPath},
		{"TOWER_FILE_PATH", c.Tower.Path},
		{"NODE_REFERENCE_KEY_PATH", c.Identity.ReferenceKeyPath},
		{"NODE_PRIMARY_KEY_PATH", c.Identity.PrimaryKeyPath},
		{"DEMOTE_COMMAND", c.Identity.DemoteCommand},
		{"PROMOTE_COMMAND", c.Identity.PromoteCommand},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%w: %s", ErrMissingValue, r.env)
		}
	}

	if c.P2P.Port <= 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("%w: PORT=%d", ErrInvalidValue, c.P2P.Port)
	}
	if c.Monitor.RetryBudget < 0 {
		return fmt.Errorf("%w: RETRY_BUDGET=%d", ErrInvalidValue, c.Monitor.RetryBudget)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("%w: POLL_INTERVAL=%s", ErrInvalidValue, c.Monitor.PollInterval)
	}
	if c.P2P.StreamTimeout <= 0 {
		return fmt.Errorf("%w: STREAM_TIMEOUT=%s", ErrInvalidValue, c.P2P.StreamTimeout)
	}
	if c.P2P.RetryInterval <= 0 {
		return fmt.Errorf("%w: HANDOFF_RETRY_INTERVAL=%s", ErrInvalidValue, c.P2P.RetryInterval)
	}
	if c.Status.ListenAddr != "" && c.Status.Interval <= 0 {
		return fmt.Errorf("%w: STATUS_INTERVAL=%s", ErrInvalidValue, c.Status.Interval)
	}
	if c.BackupEnabled() && c.Backup.Interval <= 0 {
		return fmt.Errorf("%w: BACKUP_INTERVAL=%s", ErrInvalidValue, c.Backup.Interval)
	}

	return nil
}

// BackupEnabled reports whether R2 credentials were supplied.
func (c *Config) BackupEnabled() bool {
	return c.Backup.AccountID != "" && c.Backup.Bucket != ""
}
