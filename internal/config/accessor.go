package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath reads a config value by dot-notation path (e.g. "general.port").
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	parts := strings.Split(path, ".")
	var current any = m
	for _, key := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		val, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
		current = val
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path.
func SetByPath(cfg *Config, path string, value any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return fmt.Errorf("empty path")
	}

	parent := m
	for i := 0; i < len(parts)-1; i++ {
		child, ok := parent[parts[i]]
		if !ok {
			newMap := make(map[string]any)
			parent[parts[i]] = newMap
			parent = newMap
			continue
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, parts[i])
		}
		parent = childMap
	}

	parent[parts[len(parts)-1]] = parseValue(value)

	newData, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(newData, cfg)
}

// parseValue tries to convert string values to appropriate Go types.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// Sanitize returns a copy of the config with credential values masked, for
// display by the CLI.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	a := &copy.Adapters
	a.Twilio.AuthToken = maskString(a.Twilio.AuthToken)
	a.Facebook.AppSecret = maskString(a.Facebook.AppSecret)
	a.Facebook.AccessToken = maskString(a.Facebook.AccessToken)
	a.Hangouts.Token = maskString(a.Hangouts.Token)
	a.Hangouts.AccessToken = maskString(a.Hangouts.AccessToken)
	a.Webex.AccessToken = maskString(a.Webex.AccessToken)
	a.Webex.Secret = maskString(a.Webex.Secret)
	a.Telegram.Token = maskString(a.Telegram.Token)
	a.Telegram.SecretToken = maskString(a.Telegram.SecretToken)
	a.Slack.BotToken = maskString(a.Slack.BotToken)
	a.Slack.SigningSecret = maskString(a.Slack.SigningSecret)

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
