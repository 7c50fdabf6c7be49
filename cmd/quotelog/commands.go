package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/packlab/quotelog/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Request a packaging price estimate",
	Long: `Request a packaging price estimate for a free-text order description.

Examples:
  quotelog ask "3 cardboard boxes 60x40x40, shipping to Kazan"
  quotelog ask "bubble wrap, 10 meter roll"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/ask", map[string]string{"query": query})
		if err != nil {
			return err
		}

		var result struct {
			Answer    string `json:"answer"`
			RequestID string `json:"requestId"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		fmt.Printf("\n%s %s\n", colorize(colorBold, "Request ID:"), result.RequestID)
		return nil
	},
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List logged estimate requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/logs")
		if err != nil {
			return err
		}

		var result struct {
			Logs []struct {
				RequestID      string   `json:"requestId"`
				Timestamp      int64    `json:"timestamp"`
				Query          string   `json:"query"`
				FromCache      bool     `json:"fromCache"`
				EstimatedPrice *float64 `json:"estimatedPrice"`
				ActualPrice    *float64 `json:"actualPrice"`
			} `json:"logs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Logs) == 0 {
			fmt.Println("No logged requests.")
			return nil
		}

		for _, l := range result.Logs {
			query := l.Query
			if len(query) > 60 {
				query = query[:60] + "..."
			}
			when := time.UnixMilli(l.Timestamp).Local().Format("2006-01-02 15:04")
			line := fmt.Sprintf("%s  %s  %s", colorize(colorCyan, l.RequestID[:8]), when, query)
			if l.FromCache {
				line += "  " + colorize(colorYellow, "(cached)")
			}
			fmt.Println(line)
			if l.EstimatedPrice != nil || l.ActualPrice != nil {
				fmt.Printf("          estimated: %s  actual: %s\n",
					priceLabel(l.EstimatedPrice), priceLabel(l.ActualPrice))
			}
		}
		return nil
	},
}

func priceLabel(p *float64) string {
	if p == nil {
		return "—"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <request-id> <actual-price>",
	Short: "Attach the actually paid price to a logged request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]
		price, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", args[1], err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/feedback", map[string]any{
			"requestId":   requestID,
			"actualPrice": price,
		})
		if err != nil {
			return err
		}

		var result struct {
			Success bool `json:"success"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded price %s for request %s", args[1], requestID)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
