package dbrb

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config carries the recognised broadcast options: loaded from a JSON file
// on disk, falling back to documented defaults, with an environment
// variable override for the bootstrap peer set.
type Config struct {
	// TransactionTimeout is the configured deadline for emitted
	// transactions (Install, AddDbrbProcess, RemoveDbrbProcessByNetwork).
	// Nothing in this package reads it: the reconfiguration engine submits
	// Install transactions with a context that carries no deadline.
	TransactionTimeout time.Duration

	// ResendMessagesInterval is the nominal period for re-disseminating
	// stuck broadcasts. No background task is scheduled from it: nothing
	// in this package calls Engine.resendStuckBroadcasts on a timer.
	ResendMessagesInterval time.Duration

	// IsDbrbProcess controls whether this node participates in DBRB at
	// all: cmd/dbrbnode exits at startup when it is false, and Validate
	// requires bootstrap processes only when it is true. The engines do
	// not read it.
	IsDbrbProcess bool

	// DbrbShardSize is k (>= 4) for the tree overlay; 0 disables sharding
	// (the Router always picks the flat engine).
	DbrbShardSize int

	// DbrbRegistrationGracePeriod is how far ahead of expiry a
	// RegistrationManager re-registers this process; cmd/dbrbnode also
	// republishes its discovery record every half of this period.
	DbrbRegistrationGracePeriod time.Duration

	// DbrbBootstrapProcesses is the static membership seed always merged
	// into the view returned by the view fetcher.
	DbrbBootstrapProcesses []ProcessId

	// ListenAddr and BootstrapPeers configure the libp2p-backed transport.
	ListenAddr     string
	BootstrapPeers []string
}

// Validate enforces the invariants a misconfigured node must fail fast on
// at startup rather than fail confusingly at runtime.
func (c Config) Validate() error {
	if c.DbrbShardSize != 0 && c.DbrbShardSize < MinShardSize {
		return &ConfigError{Field: "DbrbShardSize", Reason: fmt.Sprintf("must be 0 or >= %d", MinShardSize)}
	}
	if c.IsDbrbProcess && len(c.DbrbBootstrapProcesses) == 0 {
		return &FatalError{Reason: "no DBRB bootstrap processes configured at startup"}
	}
	return nil
}

// DefaultConfig returns the documented startup defaults.
func DefaultConfig() Config {
	return Config{
		TransactionTimeout:          30 * time.Second,
		ResendMessagesInterval:      10 * time.Second,
		IsDbrbProcess:               true,
		DbrbShardSize:               6,
		DbrbRegistrationGracePeriod: time.Hour,
		ListenAddr:                  "/ip4/0.0.0.0/tcp/31200",
	}
}

// LoadConfig reads path as JSON, falling back to DefaultConfig when the
// file does not exist, then applies a DBRB_BOOTSTRAP_PEERS environment
// override.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfig(path, cfg); err != nil {
			dbrbLogger().Warnw("could not persist default dbrb config", "path", path, "error", err)
		}
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("dbrb: read config: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("dbrb: parse config: %w", err)
		}
	}

	if env := os.Getenv("DBRB_BOOTSTRAP_PEERS"); env != "" {
		peers := splitAndTrim(env, ",")
		if len(peers) > 0 {
			cfg.BootstrapPeers = peers
			dbrbLogger().Infow("bootstrap peers overridden from environment", "peers", peers)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func writeConfig(path string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
