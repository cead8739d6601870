package commands

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/AudereNow/s3cacheproxy/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the health of a running proxy instance",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	base := fmt.Sprintf("http://%s:%d", loopback(cfg.Host), cfg.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	rows := [][]string{
		{"ping", pingStatus(client, base)},
	}
	if cfg.Metrics.Enabled {
		rows = append(rows, metricsRows(client, base+cfg.Metrics.Path)...)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func loopback(host string) string {
	if host == "0.0.0.0" || host == "" {
		return "127.0.0.1"
	}
	return host
}

func pingStatus(client *http.Client, base string) string {
	resp, err := client.Get(base + "/ping")
	if err != nil {
		return "unreachable: " + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return "ok"
}

// metricsRows scrapes the proxy's own Prometheus text exposition and pulls
// out the small set of gauges worth a quick human glance.
func metricsRows(client *http.Client, url string) [][]string {
	wanted := map[string]string{
		"s3cacheproxy_cache_bytes":               "cache bytes",
		"s3cacheproxy_cache_entries":             "cache entries",
		"s3cacheproxy_pending_upload_bytes":      "pending upload bytes",
		"s3cacheproxy_breaker_open":              "breaker open",
		"s3cacheproxy_breaker_consecutive_errors": "consecutive errors",
	}

	resp, err := client.Get(url)
	if err != nil {
		return [][]string{{"metrics", "unreachable: " + err.Error()}}
	}
	defer resp.Body.Close()

	var rows [][]string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if label, ok := wanted[fields[0]]; ok {
			rows = append(rows, []string{label, fields[1]})
		}
	}
	return rows
}
