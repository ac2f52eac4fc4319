package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vizbridge/vizbridge/internal/config"
	"github.com/vizbridge/vizbridge/pkg/bridge"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question through the transport chain",
	Long: `Ask a question the way an embedded widget would: the question walks
the transport chain (script, frame, stream, beacon) until one delivers.

Examples:
  vizbridge ask "how many rows are loaded?"
  vizbridge ask --data ./view.json "which region leads on sales?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsk(cmd, strings.Join(args, " "))
	},
}

func init() {
	askCmd.Flags().String("proxy", "", "proxy base URL (defaults to the configured bridge.proxy_url)")
	askCmd.Flags().String("origin", "", "host origin presented to the frame transport")
	askCmd.Flags().String("data", "", "path to a JSON host view to attach as data context")
	askCmd.Flags().Duration("timeout", 45*time.Second, "overall deadline for the question")
}

func runAsk(cmd *cobra.Command, question string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	proxyURL, _ := cmd.Flags().GetString("proxy")
	if proxyURL == "" {
		proxyURL = cfg.Bridge.ProxyURL
	}
	if proxyURL == "" {
		proxyURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	origin, _ := cmd.Flags().GetString("origin")
	if origin == "" {
		origin = cfg.Bridge.HostOrigin
	}
	if origin == "" && len(cfg.Server.AllowedOrigins) > 0 {
		origin = cfg.Server.AllowedOrigins[0]
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	client := bridge.New(proxyURL, origin, bridge.WithLogger(logger))

	if dataPath, _ := cmd.Flags().GetString("data"); dataPath != "" {
		view, err := loadHostView(dataPath)
		if err != nil {
			return err
		}
		client.UpdateView(view)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	answer, err := client.Ask(ctx, question)
	if err != nil {
		for _, details := range client.RecentErrors() {
			printError("[%s] %s", details.Code, details.Message)
			fmt.Fprintf(os.Stderr, "      %s\n", details.Solution)
		}
		return err
	}

	fmt.Println(answer.Text)
	printSuccess("answered via %s in %s", answer.Method, answer.Elapsed.Round(time.Millisecond))
	return nil
}

func loadHostView(path string) (bridge.HostView, error) {
	var view bridge.HostView
	raw, err := os.ReadFile(path)
	if err != nil {
		return view, fmt.Errorf("failed to read host view: %w", err)
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		return view, fmt.Errorf("failed to parse host view: %w", err)
	}
	return view, nil
}
