// Package config provides YAML-based configuration loading for ventriloquist.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Supported values for enumerated settings.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	LaunchReplace = "replace"
	LaunchReject  = "reject"

	PlatformLine    = "line"
	PlatformSlack   = "slack"
	PlatformDiscord = "discord"
)

// purgeableStatuses are the runtime statuses history cleanup may target.
var purgeableStatuses = map[string]bool{
	"Completed":  true,
	"Failed":     true,
	"Terminated": true,
	"Canceled":   true,
}

// Config is the top-level configuration, loaded from ventriloquist.yaml.
// Secrets can be supplied through the environment variables named in the
// env tags; they override whatever the file says.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	Voice        VoiceConfig        `yaml:"voice"`
	Session      SessionConfig      `yaml:"session"`
	Chat         ChatConfig         `yaml:"chat"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// DatabaseConfig selects the store backing the orchestration engine.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" (MySQL/Dolt) or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"VQ_DB_PASSWORD"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token" env:"VQ_ADMIN_TOKEN"`
}

// VoiceConfig controls the voice-assistant side of the bridge.
type VoiceConfig struct {
	SilentAudioURL string        `yaml:"silent_audio_url" env:"VQ_SILENT_AUDIO_URL"`
	Lang           string        `yaml:"lang"`
	Messages       VoiceMessages `yaml:"messages"`
}

// VoiceMessages are the spoken notices.
type VoiceMessages struct {
	Launch     string `yaml:"launch"`
	Failed     string `yaml:"failed"`
	Terminated string `yaml:"terminated"`
	Ended      string `yaml:"ended"`
}

// SessionConfig tunes session orchestration.
type SessionConfig struct {
	LaunchPolicy         string `yaml:"launch_policy"`
	PollIntervalMs       int    `yaml:"poll_interval_ms"`
	RelayTimeoutSec      int    `yaml:"relay_timeout_sec"`
	EnginePollIntervalMs int    `yaml:"engine_poll_interval_ms"` // negative disables polling
}

// ChatConfig selects and configures the chat platform.
type ChatConfig struct {
	Platform string        `yaml:"platform"`
	Line     LineConfig    `yaml:"line"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
	Messages ChatMessages  `yaml:"messages"`
}

// LineConfig holds LINE Messaging API credentials.
type LineConfig struct {
	ChannelSecret string `yaml:"channel_secret" env:"LINE_CHANNEL_SECRET"`
	ChannelToken  string `yaml:"channel_token" env:"LINE_CHANNEL_TOKEN"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token" env:"SLACK_APP_TOKEN"`
	BotToken string `yaml:"bot_token" env:"SLACK_BOT_TOKEN"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token" env:"DISCORD_BOT_TOKEN"`
}

// ChatMessages are the texts replied on the chat side.
type ChatMessages struct {
	Added          string `yaml:"added"`
	FinishLabel    string `yaml:"finish_label"`
	LaunchSkill    string `yaml:"launch_skill"`
	TemplatePrompt string `yaml:"template_prompt"`
	TemplateHeader string `yaml:"template_header"`
	RelayTimeout   string `yaml:"relay_timeout"`
}

// HousekeepingConfig schedules the history purge.
type HousekeepingConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Cron           string   `yaml:"cron"`
	RetentionHours int      `yaml:"retention_hours"`
	Statuses       []string `yaml:"statuses"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config, applying
// environment overrides before defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverMySQL {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" {
			c.Database.Database = "ventriloquist"
		}
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "ventriloquist.db"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Voice.Lang == "" {
		c.Voice.Lang = "en"
	}
	m := &c.Voice.Messages
	if m.Launch == "" {
		m.Launch = "I will speak whatever you type in the chat."
	}
	if m.Failed == "" {
		m.Failed = "Something went wrong."
	}
	if m.Terminated == "" {
		m.Terminated = "Ending ventriloquism."
	}
	if m.Ended == "" {
		m.Ended = "Goodbye."
	}

	if c.Session.LaunchPolicy == "" {
		c.Session.LaunchPolicy = LaunchReplace
	}
	if c.Session.PollIntervalMs == 0 {
		c.Session.PollIntervalMs = 250
	}
	if c.Session.RelayTimeoutSec == 0 {
		c.Session.RelayTimeoutSec = 10
	}
	if c.Session.EnginePollIntervalMs == 0 {
		c.Session.EnginePollIntervalMs = 1000
	}

	if c.Chat.Platform == "" {
		c.Chat.Platform = PlatformLine
	}
	cm := &c.Chat.Messages
	if cm.Added == "" {
		cm.Added = "Added to the template."
	}
	if cm.FinishLabel == "" {
		cm.FinishLabel = "Finish template"
	}
	if cm.LaunchSkill == "" {
		cm.LaunchSkill = "Please launch the ventriloquism skill on your speaker."
	}
	if cm.TemplatePrompt == "" {
		cm.TemplatePrompt = "Send the lines you want to add to the template."
	}
	if cm.TemplateHeader == "" {
		cm.TemplateHeader = "Tap a line"
	}
	if cm.RelayTimeout == "" {
		cm.RelayTimeout = "The speaker did not pick that up. Please send it again."
	}

	if c.Housekeeping.Cron == "" {
		c.Housekeeping.Cron = "0 12 * * *"
	}
	if c.Housekeeping.RetentionHours == 0 {
		c.Housekeeping.RetentionHours = 24
	}
	if len(c.Housekeeping.Statuses) == 0 {
		c.Housekeeping.Statuses = []string{"Completed"}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Voice.SilentAudioURL == "" {
		errs = append(errs, "voice.silent_audio_url is required")
	}
	switch c.Session.LaunchPolicy {
	case LaunchReplace, LaunchReject:
	default:
		errs = append(errs, fmt.Sprintf("session.launch_policy %q must be %q or %q",
			c.Session.LaunchPolicy, LaunchReplace, LaunchReject))
	}
	if c.Session.PollIntervalMs < 0 {
		errs = append(errs, "session.poll_interval_ms must not be negative")
	}
	switch c.Chat.Platform {
	case PlatformLine:
		if c.Chat.Line.ChannelSecret == "" {
			errs = append(errs, "chat.line.channel_secret is required")
		}
		if c.Chat.Line.ChannelToken == "" {
			errs = append(errs, "chat.line.channel_token is required")
		}
	case PlatformSlack:
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required")
		}
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required")
		}
	case PlatformDiscord:
		if c.Chat.Discord.BotToken == "" {
			errs = append(errs, "chat.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q is not supported", c.Chat.Platform))
	}
	if c.Housekeeping.RetentionHours < 0 {
		errs = append(errs, "housekeeping.retention_hours must not be negative")
	}
	for i, s := range c.Housekeeping.Statuses {
		if !purgeableStatuses[s] {
			errs = append(errs, fmt.Sprintf("housekeeping.statuses[%d] %q is not a terminal status", i, s))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
