package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var healthURL string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running instance over HTTP",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthURL, "url", "http://127.0.0.1:8080", "base URL of the instance")
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(healthURL + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("probe %s: %w", healthURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		body = append(out, '\n')
	}
	os.Stdout.Write(body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}
