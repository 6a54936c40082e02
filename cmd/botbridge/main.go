package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"botbridge/internal/config"
	"botbridge/internal/gateway"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "botbridge",
		Short: "botbridge: webhook gateway bridging chat platforms to bot logic",
		Long:  "botbridge receives chat-platform webhooks (Twilio SMS, Facebook Messenger, Google Chat, Webex, Telegram, Slack), translates them to a common activity envelope and dispatches them to bot logic.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.botbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(signCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook gateway",
		Long:  "Starts the HTTP server with one webhook route per enabled adapter. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.General.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	logger.Info("botbridge starting", "version", version, "config", cfgPath)
	return gw.Run(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. adapters.twilio.enabled true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values with credentials masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// signCmd computes the signature headers a platform would attach to a webhook
// body, using the credentials in config. Handy for exercising a running
// gateway with curl.
func signCmd() *cobra.Command {
	var bodyFile string
	var webhookURL string

	cmd := &cobra.Command{
		Use:   "sign [platform]",
		Short: "Compute webhook signature headers for a payload",
		Long:  "Reads a payload from --body (or stdin) and prints the signature headers the named platform would send, computed with the credentials in config. For twilio the payload is form-encoded and --url must match the webhook URL.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var body []byte
			if bodyFile != "" {
				body, err = os.ReadFile(bodyFile)
			} else {
				body, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			return printSignature(args[0], cfg, body, webhookURL)
		},
	}

	cmd.Flags().StringVarP(&bodyFile, "body", "b", "", "file containing the request body (default: stdin)")
	cmd.Flags().StringVarP(&webhookURL, "url", "u", "", "webhook URL (required for twilio)")
	return cmd
}

func printSignature(platform string, cfg *config.Config, body []byte, webhookURL string) error {
	switch platform {
	case "twilio":
		if webhookURL == "" {
			return fmt.Errorf("twilio signing requires --url")
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return fmt.Errorf("body is not form-encoded: %w", err)
		}
		var b strings.Builder
		b.WriteString(webhookURL)
		keys := make([]string, 0, len(form))
		for k := range form {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(form.Get(k))
		}
		mac := hmac.New(sha256.New, []byte(cfg.Adapters.Twilio.AuthToken))
		mac.Write([]byte(b.String()))
		fmt.Printf("X-Twilio-Signature: %s\n", base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	case "facebook":
		mac := hmac.New(sha1.New, []byte(cfg.Adapters.Facebook.AppSecret))
		mac.Write(body)
		fmt.Printf("X-Hub-Signature: sha1=%s\n", hex.EncodeToString(mac.Sum(nil)))

	case "webex":
		if cfg.Adapters.Webex.Secret == "" {
			return fmt.Errorf("webex signing requires adapters.webex.secret")
		}
		mac := hmac.New(sha1.New, []byte(cfg.Adapters.Webex.Secret))
		mac.Write(body)
		fmt.Printf("X-Spark-Signature: %s\n", hex.EncodeToString(mac.Sum(nil)))

	case "slack":
		ts := fmt.Sprintf("%d", time.Now().Unix())
		mac := hmac.New(sha256.New, []byte(cfg.Adapters.Slack.SigningSecret))
		fmt.Fprintf(mac, "v0:%s:%s", ts, body)
		fmt.Printf("X-Slack-Request-Timestamp: %s\n", ts)
		fmt.Printf("X-Slack-Signature: v0=%s\n", hex.EncodeToString(mac.Sum(nil)))

	case "telegram":
		fmt.Printf("X-Telegram-Bot-Api-Secret-Token: %s\n", cfg.Adapters.Telegram.SecretToken)

	case "hangouts":
		// Google Chat carries its token inside the JSON body, not a header.
		fmt.Printf(`body field: "token": %q`+"\n", cfg.Adapters.Hangouts.Token)

	default:
		return fmt.Errorf("unknown platform %q (twilio, facebook, hangouts, webex, telegram, slack)", platform)
	}
	return nil
}
