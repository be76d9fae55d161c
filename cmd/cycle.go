package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cmmsbridge/pkg/bridge"
	"cmmsbridge/pkg/config"
	"cmmsbridge/pkg/gateway"
	"cmmsbridge/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	requestText string
	sendConnect bool
)

// cycleCmd runs bridge cycles straight from the terminal, without a listener.
var cycleCmd = &cobra.Command{
	Use:   "cycle [request]",
	Short: "Run one request through the worker, or read requests from stdin",
	Long:  "Loads configuration, writes the request to the request slot, runs the worker, and prints the sanitized response. Without a request, reads one request per line until EOF or exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)

		orchestrator, _, err := gateway.NewBridge(cfg, nil, slog.Default())
		if err != nil {
			return fmt.Errorf("initialize bridge: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if request := resolveRequest(args, cfg); request != "" {
			runSingleCycle(ctx, orchestrator, cmd.OutOrStdout(), request)
			return nil
		}

		return runInteractive(ctx, orchestrator, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(cycleCmd)
	cycleCmd.Flags().StringVarP(&requestText, "request", "r", "", "request payload to send")
	cycleCmd.Flags().BoolVar(&sendConnect, "connect", false, "send the configured connect request")
}

// cycleRunner is the orchestrator surface the cycle command needs.
type cycleRunner interface {
	Cycle(ctx context.Context, request []byte) bridge.Reply
}

func resolveRequest(args []string, cfg *config.Config) string {
	if sendConnect && cfg != nil {
		return cfg.Bridge.ConnectRequest
	}

	if value := strings.TrimSpace(requestText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func runSingleCycle(ctx context.Context, runner cycleRunner, out io.Writer, request string) {
	reply := runner.Cycle(ctx, []byte(request))
	fmt.Fprintln(out, string(reply.Payload))
}

func runInteractive(ctx context.Context, runner cycleRunner, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), config.DefaultMaxMessageBytes*16)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}

		request := strings.TrimSpace(scanner.Text())
		if request == "" {
			continue
		}
		if isExitCommand(request) {
			return nil
		}

		reply := runner.Cycle(ctx, []byte(request))
		fmt.Fprintln(out, string(reply.Payload))
		if reply.Failed() {
			fmt.Fprintf(os.Stderr, "cycle %s failed: %s\n", reply.RequestID, reply.Outcome)
		}
	}
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
