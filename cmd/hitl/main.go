// hitl pauses an agent run until a human approver answers on Slack.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yencolon/human-in-the-loop-chat/internal/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "hitl",
	Short: "Human-in-the-loop approvals over Slack.",
	Long: `hitl posts approval requests with Approve and Deny buttons to a Slack
reviewer and suspends the requesting run until the reviewer clicks one.
Decisions arrive through a signed webhook and may come days later.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, requestCmd, resumeCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the JSON logger. Logs go to stderr so stdout stays free
// for command output and the MCP stdio transport.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

// loadConfig reads the config file named by HITL_CONFIG or --config.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("HITL_CONFIG", configPath))
}
