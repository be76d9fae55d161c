package cmd

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"cmmsbridge/pkg/config"
	"cmmsbridge/pkg/ui/console"

	"github.com/spf13/cobra"
)

var (
	consoleURL         string
	consoleSubprotocol string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Open an interactive console against a running bridge",
	Long:  "Connects to the bridge WebSocket endpoint, shows the connect handshake reply, and sends each entered line as one request.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		target, err := consoleTarget(consoleURL)
		if err != nil {
			return err
		}

		client, err := console.Dial(cmd.Context(), target, consoleSubprotocol)
		if err != nil {
			return err
		}
		defer client.Close()

		return console.Run(client, target)
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleURL, "url", defaultConsoleURL(), "bridge WebSocket URL")
	consoleCmd.Flags().StringVar(&consoleSubprotocol, "subprotocol", config.DefaultSubprotocol, "WebSocket subprotocol to request")
}

func defaultConsoleURL() string {
	return "ws://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(config.DefaultServerPort)) + config.DefaultServerPath
}

// consoleTarget accepts ws/wss URLs and bare host:port values.
func consoleTarget(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return defaultConsoleURL(), nil
	}
	if !strings.Contains(value, "://") {
		value = "ws://" + value
	}

	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse console url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("console url scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("console url %q has no host", raw)
	}
	if parsed.Path == "" {
		parsed.Path = config.DefaultServerPath
	}

	return parsed.String(), nil
}
