// Package botlogic is the default logic callback wired into the gateway: a
// small scripted responder driven by YAML rule files. Callers embedding the
// adapters as a library supply their own logic instead.
package botlogic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"botbridge/internal/adapter"
	"botbridge/internal/activity"

	"gopkg.in/yaml.v3"
)

// Rule pairs a pattern with a canned reply. Reply may reference the matched
// text with {{text}} and the sender with {{from}}.
type Rule struct {
	Name    string `yaml:"name"`
	Match   string `yaml:"match"` // regular expression, matched case-insensitively
	Reply   string `yaml:"reply"`
	Channel string `yaml:"channel,omitempty"` // restrict rule to one channel ID

	re *regexp.Regexp
}

// Responder matches inbound messages against rules and replies on the same
// conversation. Events are observed but never answered.
type Responder struct {
	rules  []Rule
	echo   bool // fall back to echoing the message when no rule matches
	logger *slog.Logger
}

// NewResponder compiles the given rules. Invalid patterns fail construction.
func NewResponder(rules []Rule, echo bool, logger *slog.Logger) (*Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range rules {
		re, err := regexp.Compile("(?i)" + rules[i].Match)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rules[i].Name, err)
		}
		rules[i].re = re
	}
	return &Responder{rules: rules, echo: echo, logger: logger}, nil
}

// LoadRules reads rule definitions from YAML files in a directory. Files
// must have a .yaml or .yml extension.
func LoadRules(dir string, logger *slog.Logger) ([]Rule, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("rules directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read rules file", "path", path, "err", err)
			continue
		}

		var fileRules []Rule
		if err := yaml.Unmarshal(data, &fileRules); err != nil {
			logger.Warn("cannot parse rules file", "path", path, "err", err)
			continue
		}

		for i := range fileRules {
			if fileRules[i].Name == "" {
				fileRules[i].Name = strings.TrimSuffix(name, filepath.Ext(name))
			}
		}
		logger.Info("loaded rules", "path", path, "count", len(fileRules))
		rules = append(rules, fileRules...)
	}

	return rules, nil
}

// Handle is the adapter.Logic callback.
func (r *Responder) Handle(ctx context.Context, turn *adapter.TurnContext) error {
	act := turn.Activity
	if !act.IsMessage() {
		r.logger.Debug("event observed", "channel", act.ChannelID, "name", act.Name)
		return nil
	}

	reply, matched := r.match(act)
	if !matched {
		if !r.echo {
			return nil
		}
		reply = act.Text
	}
	if reply == "" {
		return nil
	}

	out := activity.New(act.ChannelID, act.ConversationID, reply)
	out.ThreadID = act.ThreadID
	if _, err := turn.Send(ctx, out); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (r *Responder) match(act activity.Activity) (string, bool) {
	for _, rule := range r.rules {
		if rule.Channel != "" && rule.Channel != act.ChannelID {
			continue
		}
		if rule.re.MatchString(act.Text) {
			reply := strings.ReplaceAll(rule.Reply, "{{text}}", act.Text)
			reply = strings.ReplaceAll(reply, "{{from}}", act.FromID)
			return reply, true
		}
	}
	return "", false
}
