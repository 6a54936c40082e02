package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the botbridge gateway.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Adapters   AdaptersConfig   `json:"adapters"`
	Transcript TranscriptConfig `json:"transcript"`
	Console    ConsoleConfig    `json:"console"`
	Logic      LogicConfig      `json:"logic"`
}

type GeneralConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	LogLevel string `json:"logLevel"`
}

type AdaptersConfig struct {
	Twilio   TwilioConfig   `json:"twilio"`
	Facebook FacebookConfig `json:"facebook"`
	Hangouts HangoutsConfig `json:"hangouts"`
	Webex    WebexConfig    `json:"webex"`
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
}

type TwilioConfig struct {
	Enabled       bool   `json:"enabled"`
	AccountSID    string `json:"accountSid,omitempty"`
	AuthToken     string `json:"authToken,omitempty"`
	Number        string `json:"number,omitempty"`
	ValidationURL string `json:"validationUrl,omitempty"` // external webhook URL when behind a proxy
}

type FacebookConfig struct {
	Enabled     bool   `json:"enabled"`
	VerifyToken string `json:"verifyToken,omitempty"`
	AppSecret   string `json:"appSecret,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	APIVersion  string `json:"apiVersion,omitempty"`
}

type HangoutsConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

type WebexConfig struct {
	Enabled     bool   `json:"enabled"`
	AccessToken string `json:"accessToken,omitempty"`
	Secret      string `json:"secret,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	SecretToken string `json:"secretToken,omitempty"`
}

type SlackConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"botToken,omitempty"`
	SigningSecret string `json:"signingSecret,omitempty"`
}

type TranscriptConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

type ConsoleConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"` // websocket endpoint path
}

type LogicConfig struct {
	RulesDir string `json:"rulesDir"` // YAML rule files for the scripted responder
	Echo     bool   `json:"echo"`     // echo unmatched messages back
}

// Defaults returns a config with sensible defaults and every adapter
// disabled. Load unmarshals on top of this, so absent keys keep these
// values.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Host:     "0.0.0.0",
			Port:     3978,
			LogLevel: "info",
		},
		Adapters: AdaptersConfig{
			Facebook: FacebookConfig{APIVersion: "v17.0"},
		},
		Transcript: TranscriptConfig{
			DBPath:        filepath.Join(DefaultConfigDir(), "transcript.db"),
			RetentionDays: 30,
		},
		Console: ConsoleConfig{
			Path: "/console",
		},
		Logic: LogicConfig{
			Echo: true,
		},
	}
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".botbridge"
	}
	return filepath.Join(home, ".botbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Transcript.DBPath = expandPath(cfg.Transcript.DBPath)
	cfg.Logic.RulesDir = expandPath(cfg.Logic.RulesDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that every enabled adapter carries its required
// credentials. Adapter constructors check again; failing here gives one
// combined report up front.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.Port < 1 || cfg.General.Port > 65535 {
		errs = append(errs, "general.port must be between 1 and 65535")
	}

	if cfg.Adapters.Twilio.Enabled {
		tw := cfg.Adapters.Twilio
		if tw.AccountSID == "" || tw.AuthToken == "" || tw.Number == "" {
			errs = append(errs, "adapters.twilio requires accountSid, authToken and number")
		}
	}
	if cfg.Adapters.Facebook.Enabled {
		fb := cfg.Adapters.Facebook
		if fb.VerifyToken == "" || fb.AppSecret == "" || fb.AccessToken == "" {
			errs = append(errs, "adapters.facebook requires verifyToken, appSecret and accessToken")
		}
	}
	if cfg.Adapters.Hangouts.Enabled {
		hg := cfg.Adapters.Hangouts
		if hg.Token == "" || hg.AccessToken == "" {
			errs = append(errs, "adapters.hangouts requires token and accessToken")
		}
	}
	if cfg.Adapters.Webex.Enabled && cfg.Adapters.Webex.AccessToken == "" {
		errs = append(errs, "adapters.webex requires accessToken")
	}
	if cfg.Adapters.Telegram.Enabled && cfg.Adapters.Telegram.Token == "" {
		errs = append(errs, "adapters.telegram requires token")
	}
	if cfg.Adapters.Slack.Enabled {
		sl := cfg.Adapters.Slack
		if sl.BotToken == "" || sl.SigningSecret == "" {
			errs = append(errs, "adapters.slack requires botToken and signingSecret")
		}
	}

	if cfg.Transcript.Enabled && cfg.Transcript.DBPath == "" {
		errs = append(errs, "transcript.dbPath is required when transcript is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
