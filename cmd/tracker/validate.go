package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"timeline_tracker/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config and accounts files",
	Long: `Parse and validate the configuration and the accounts file it points to
without contacting any upstream or sink.

Example:
  tracker validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "config.yaml", "path to config file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}

	enabled, proxied := 0, 0
	for _, a := range accounts {
		if a.Enabled {
			enabled++
		}
		if a.Proxy != nil {
			proxied++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Targets:       %d\n", len(cfg.Targets))
	fmt.Fprintf(out, "  Accounts:      %d (%d enabled, %d proxied)\n", len(accounts), enabled, proxied)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.Poll.Interval)
	fmt.Fprintf(out, "  Workers:       %d\n", cfg.WorkerCount(enabled))
	fmt.Fprintf(out, "  Sinks:         %v\n", sinkNames(cfg.Delivery))
	return nil
}

func sinkNames(d config.DeliveryConfig) []string {
	var names []string
	if d.WebhookEnabled() {
		names = append(names, "webhook")
	}
	if d.RabbitMQEnabled() {
		names = append(names, "rabbitmq")
	}
	if d.KafkaEnabled() {
		names = append(names, "kafka")
	}
	if d.DatabaseEnabled() {
		names = append(names, "postgres")
	}
	return names
}
