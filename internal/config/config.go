package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeBlockWalk = "blockwalk"
	ModeFilter    = "filter"
)

// Config holds the YAML configuration.
type Config struct {
	Version  int            `yaml:"version"`
	Global   GlobalConfig   `yaml:"global"`
	Chain    ChainConfig    `yaml:"chain"`
	Account  AccountConfig  `yaml:"account"`
	Contract ContractConfig `yaml:"contract"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Sinks    []Sink         `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath string `yaml:"db_path"`
}

type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	RPCTimeout    Duration `yaml:"rpc_timeout"`
	Confirmations uint64   `yaml:"confirmations"`
}

type AccountConfig struct {
	Address    string `yaml:"address"`
	PrivateKey string `yaml:"private_key"`
}

type ContractConfig struct {
	Name         string `yaml:"name"`
	ArtifactsDir string `yaml:"artifacts_dir"`
	Deploy       bool   `yaml:"deploy"`
	Event        string `yaml:"event"`
	Method       string `yaml:"method"`
}

type OracleConfig struct {
	Mode              string   `yaml:"mode"`
	StartBlock        string   `yaml:"start_block"`
	PollInterval      Duration `yaml:"poll_interval"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ReceiptTimeout    Duration `yaml:"receipt_timeout"`
	GasLimit          uint64   `yaml:"gas_limit"`
	MaxBlocksPerPoll  uint64   `yaml:"max_blocks_per_poll"`
	RetryAttempts     uint64   `yaml:"retry_attempts"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

// Duration is a time.Duration that unmarshals from strings like "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills unset fields with the values the oracle was tuned for.
func (c *Config) ApplyDefaults() {
	if c.Global.DBPath == "" {
		c.Global.DBPath = "oracle.db"
	}
	if c.Chain.RPCTimeout == 0 {
		c.Chain.RPCTimeout = Duration(30 * time.Second)
	}
	if c.Contract.Name == "" {
		c.Contract.Name = "OrderPaymentContract"
	}
	if c.Contract.ArtifactsDir == "" {
		c.Contract.ArtifactsDir = "output"
	}
	if c.Contract.Event == "" {
		c.Contract.Event = "OrderAccepted"
	}
	if c.Contract.Method == "" {
		c.Contract.Method = "processAcceptedOrder"
	}
	o := &c.Oracle
	if o.Mode == "" {
		o.Mode = ModeBlockWalk
	}
	if o.StartBlock == "" {
		o.StartBlock = "latest"
	}
	if o.PollInterval == 0 {
		o.PollInterval = Duration(2 * time.Second)
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = Duration(10 * time.Second)
	}
	if o.ReceiptTimeout == 0 {
		o.ReceiptTimeout = Duration(2 * time.Minute)
	}
	if o.GasLimit == 0 {
		o.GasLimit = 3_000_000
	}
	if o.MaxBlocksPerPoll == 0 {
		o.MaxBlocksPerPoll = 50
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 5
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if err := c.Account.Validate(); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	if err := c.Contract.Validate(); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

func (a *AccountConfig) Validate() error {
	if a.PrivateKey == "" {
		return errors.New("private_key is required")
	}
	if a.Address != "" && !common.IsHexAddress(a.Address) {
		return fmt.Errorf("invalid address: %s", a.Address)
	}
	return nil
}

func (c *ContractConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("invalid contract name: %s", c.Name)
	}
	if c.Event == "" || c.Method == "" {
		return errors.New("event and method are required")
	}
	return nil
}

func (o *OracleConfig) Validate() error {
	switch strings.ToLower(o.Mode) {
	case ModeBlockWalk, ModeFilter:
	default:
		return fmt.Errorf("unsupported mode: %s", o.Mode)
	}
	if o.PollInterval <= 0 || o.HeartbeatInterval <= 0 || o.ReceiptTimeout <= 0 {
		return errors.New("poll_interval, heartbeat_interval and receipt_timeout must be positive")
	}
	if o.GasLimit < 21_000 {
		return fmt.Errorf("gas_limit %d is below the intrinsic transaction gas", o.GasLimit)
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
