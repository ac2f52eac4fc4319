package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vizbridge/vizbridge/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd)
	},
}

func init() {
	statusCmd.Flags().String("proxy", "", "proxy base URL (defaults to the configured bridge.proxy_url)")
}

type healthReport struct {
	Status            string `json:"status"`
	Uptime            string `json:"uptime"`
	Environment       string `json:"environment"`
	CredentialPresent bool   `json:"credentialPresent"`
	Upstream          string `json:"upstream"`
	Store             struct {
		Backend string `json:"backend"`
		Entries int    `json:"entries"`
	} `json:"store"`
}

func showStatus(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		cfg = &config.Config{}
	}

	proxyURL, _ := cmd.Flags().GetString("proxy")
	if proxyURL == "" {
		proxyURL = cfg.Bridge.ProxyURL
	}
	if proxyURL == "" {
		proxyURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(proxyURL + "/api/health")
	if err != nil {
		printStatus("Proxy", "stopped (%s)", proxyURL)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		printStatus("Proxy", "error (HTTP %d)", resp.StatusCode)
		return nil
	}

	var health healthReport
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		printError("malformed health response: %v", err)
		return nil
	}

	printStatus("Proxy", "running at %s (up %s)", proxyURL, health.Uptime)
	printStatus("Environment", "%s", health.Environment)
	if health.CredentialPresent {
		printStatus("Upstream", "%s (credential set)", health.Upstream)
	} else {
		printStatus("Upstream", "%s (no credential, rule-based answers only)", health.Upstream)
	}
	printStatus("Store", "%s (%d pending responses)", health.Store.Backend, health.Store.Entries)
	return nil
}
