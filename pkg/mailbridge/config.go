package mailbridge

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Config is the full bridge configuration, loaded from YAML.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Mailbox    MailboxConfig     `yaml:"mailbox"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Forwarding ForwardingConfig  `yaml:"forwarding"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// HomeserverConfig points the bridge at its Matrix account.
type HomeserverConfig struct {
	Address     string    `yaml:"address"`
	UserID      id.UserID `yaml:"user_id"`
	AccessToken string    `yaml:"access_token"`
}

// MailboxConfig points the bridge at the agent-mail service.
type MailboxConfig struct {
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token"`
	// BridgeName is the identity the bridge registers for itself so it can
	// send mail on behalf of chat users.
	BridgeName string `yaml:"bridge_name"`
}

// BridgeConfig tunes scheduling, caching and state layout. Intervals are
// plain unit-suffixed integers so they can be changed without code changes.
type BridgeConfig struct {
	DataDir string `yaml:"data_dir"`

	SpaceName string      `yaml:"space_name"`
	Admins    []id.UserID `yaml:"admins"`

	CommandPrefix string `yaml:"command_prefix"`

	// PollIntervalSeconds is clamped to a floor: sub-second polling without a
	// warm membership cache drove the homeserver's auth endpoint into
	// resource exhaustion.
	PollIntervalSeconds        int `yaml:"poll_interval_seconds"`
	PollConcurrency            int `yaml:"poll_concurrency"`
	AgentTimeoutSeconds        int `yaml:"agent_timeout_seconds"`
	MembershipFreshnessMinutes int `yaml:"membership_freshness_minutes"`
	LedgerRetentionDays        int `yaml:"ledger_retention_days"`
}

// ForwardingConfig is the chat→mailbox admission-control policy. Only
// messages matching a keyword are forwarded; the list is product policy, not
// code. "*" forwards everything, an empty list forwards nothing.
type ForwardingConfig struct {
	Keywords []string `yaml:"keywords"`
}

const (
	defaultPollInterval        = 30 * time.Second
	minPollInterval            = 5 * time.Second
	defaultPollConcurrency     = 4
	defaultAgentTimeout        = 60 * time.Second
	defaultMembershipFreshness = 10 * time.Minute
	defaultLedgerRetention     = 30 * 24 * time.Hour
	defaultCommandPrefix       = "!mail"
	defaultSpaceName           = "Agent Mail"
)

func (c *Config) applyDefaults() {
	if c.Bridge.DataDir == "" {
		c.Bridge.DataDir = "."
	}
	if c.Bridge.SpaceName == "" {
		c.Bridge.SpaceName = defaultSpaceName
	}
	if c.Bridge.CommandPrefix == "" {
		c.Bridge.CommandPrefix = defaultCommandPrefix
	}
	if c.Bridge.PollConcurrency <= 0 {
		c.Bridge.PollConcurrency = defaultPollConcurrency
	}
	if c.Mailbox.BridgeName == "" {
		c.Mailbox.BridgeName = "MatrixBridge"
	}
}

func (c *Config) validate() error {
	if c.Homeserver.Address == "" || c.Homeserver.UserID == "" || c.Homeserver.AccessToken == "" {
		return errors.New("homeserver address, user_id and access_token are required")
	}
	if c.Mailbox.Address == "" {
		return errors.New("mailbox address is required")
	}
	return nil
}

// PollInterval returns the configured poll interval, clamped to the floor.
func (c *Config) PollInterval() time.Duration {
	if c.Bridge.PollIntervalSeconds <= 0 {
		return defaultPollInterval
	}
	interval := time.Duration(c.Bridge.PollIntervalSeconds) * time.Second
	if interval < minPollInterval {
		return minPollInterval
	}
	return interval
}

func (c *Config) AgentTimeout() time.Duration {
	if c.Bridge.AgentTimeoutSeconds <= 0 {
		return defaultAgentTimeout
	}
	return time.Duration(c.Bridge.AgentTimeoutSeconds) * time.Second
}

func (c *Config) MembershipFreshness() time.Duration {
	if c.Bridge.MembershipFreshnessMinutes <= 0 {
		return defaultMembershipFreshness
	}
	return time.Duration(c.Bridge.MembershipFreshnessMinutes) * time.Minute
}

func (c *Config) LedgerRetention() time.Duration {
	if c.Bridge.LedgerRetentionDays <= 0 {
		return defaultLedgerRetention
	}
	return time.Duration(c.Bridge.LedgerRetentionDays) * 24 * time.Hour
}

// LoadConfig reads, defaults and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
