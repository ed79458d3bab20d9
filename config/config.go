// Package config loads and validates the node configuration from a
// TOML file. Only values: all mechanisms (dialing, key registration,
// store opening) live with the components that consume them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration parses TOML strings like "5s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Peer struct {
	Addr   string `toml:"addr"`
	PubKey string `toml:"pubkey"` // hex ed25519 public key
}

type GossipConfig struct {
	Fanout         int      `toml:"fanout"`
	DigestInterval Duration `toml:"digest_interval"`
	QueueLimit     int      `toml:"queue_limit"`
	MaxBatch       int      `toml:"max_batch"`
}

type SwapConfig struct {
	LockTimeout  Duration `toml:"lock_timeout"`
	RetryInitial Duration `toml:"retry_initial"`
	MaxRetries   uint64   `toml:"max_retries"`
}

type KafkaConfig struct {
	Brokers       []string `toml:"brokers"`
	Topic         string   `toml:"topic"`
	DrainInterval Duration `toml:"drain_interval"`
}

type Config struct {
	NodeID     string `toml:"node_id"`
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	PrivKey    string `toml:"privkey"` // hex ed25519 private key; empty generates one

	// Assets this node holds ledger adapters for. Pairs whose legs are
	// not both listed cannot settle here.
	Assets []string `toml:"assets"`

	Shards             uint32   `toml:"shards"`
	SweepInterval      Duration `toml:"sweep_interval"`
	ExpiryInterval     Duration `toml:"expiry_interval"`
	TombstoneRetention Duration `toml:"tombstone_retention"`

	Gossip GossipConfig    `toml:"gossip"`
	Swap   SwapConfig      `toml:"swap"`
	Kafka  KafkaConfig     `toml:"kafka"`
	Peers  map[string]Peer `toml:"peers"`
}

// Default returns a runnable single-node configuration.
func Default() Config {
	return Config{
		NodeID:             "node-1",
		ListenAddr:         "127.0.0.1:7450",
		DataDir:            "./data",
		Assets:             []string{"BTC", "ETH"},
		Shards:             8,
		SweepInterval:      Duration{500 * time.Millisecond},
		ExpiryInterval:     Duration{time.Second},
		TombstoneRetention: Duration{24 * time.Hour},
		Gossip: GossipConfig{
			Fanout:         3,
			DigestInterval: Duration{5 * time.Second},
			QueueLimit:     4096,
			MaxBatch:       256,
		},
		Swap: SwapConfig{
			LockTimeout:  Duration{2 * time.Minute},
			RetryInitial: Duration{100 * time.Millisecond},
			MaxRetries:   5,
		},
		Kafka: KafkaConfig{
			Topic:         "meshdex.settlements",
			DrainInterval: Duration{250 * time.Millisecond},
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node_id is required")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if len(c.Assets) == 0 {
		return errors.New("config: at least one asset is required")
	}
	if c.Shards == 0 {
		return errors.New("config: shards must be positive")
	}
	if c.SweepInterval.Duration <= 0 || c.ExpiryInterval.Duration <= 0 {
		return errors.New("config: sweep intervals must be positive")
	}
	if c.TombstoneRetention.Duration <= 0 {
		return errors.New("config: tombstone_retention must be positive")
	}
	if c.Gossip.Fanout <= 0 || c.Gossip.QueueLimit <= 0 || c.Gossip.MaxBatch <= 0 {
		return errors.New("config: gossip fanout, queue_limit and max_batch must be positive")
	}
	if c.Gossip.DigestInterval.Duration <= 0 {
		return errors.New("config: gossip digest_interval must be positive")
	}
	if c.Swap.LockTimeout.Duration < 2*time.Second {
		return errors.New("config: swap lock_timeout must be at least 2s")
	}
	if c.Swap.MaxRetries == 0 {
		return errors.New("config: swap max_retries must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka topic is required when brokers are set")
	}
	for id, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("config: peer %s has no addr", id)
		}
		if p.PubKey == "" {
			return fmt.Errorf("config: peer %s has no pubkey", id)
		}
	}
	return nil
}
