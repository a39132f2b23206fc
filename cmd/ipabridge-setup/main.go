package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudkeep/ipabridge/internal/bridge/config"
	"github.com/cloudkeep/ipabridge/internal/bridge/reconcile"
	"github.com/cloudkeep/ipabridge/internal/bridge/registry"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ipabridge-setup",
	Short: "Provision the directory-server access objects for ipabridge",
	Long: `ipabridge-setup creates the permissions, privilege, and role the bridge's
service principal needs on the directory server. The run is idempotent:
objects that already exist are left alone, only missing ones are created.

Run this once per deployment, before starting the bridge service.

Examples:
  # Provision with the standard configuration
  ipabridge-setup

  # Provision with an explicit configuration file
  ipabridge-setup --config /etc/ipabridge/ipabridge.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		var (
			cfg *config.Config
			err error
		)
		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			cfg, err = config.LoadWithPath(configPath)
		} else {
			cfg, err = config.NewLoader().Load()
		}
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		loggerConfig := cfg.Log
		loggerConfig.Component = "setup"
		loggerConfig.Version = "1.0.0"
		log := logger.New(loggerConfig)

		auth := registry.NewKerberosAuthenticator(
			cfg.Registry.ServerURL,
			cfg.Registry.Principal,
			cfg.Registry.Realm,
			cfg.Registry.Keytab,
			cfg.Registry.Krb5Conf,
			nil,
		)
		client := registry.NewClient(registry.Config{
			ServerURL:      cfg.Registry.ServerURL,
			ConnectRetries: cfg.Registry.ConnectRetries,
			Backoff:        cfg.Registry.Backoff,
			RequestTimeout: cfg.Registry.RequestTimeout,
		}, auth, log.WithComponent("registry"))

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			log.Error("failed to connect to registry", "error", err)
			os.Exit(1)
		}

		r := reconcile.New(client, cfg.Registry.Principal, log.WithComponent("reconcile"))
		if err := r.Run(ctx); err != nil {
			log.Error("setup failed", "error", err)
			os.Exit(1)
		}

		log.Info("directory access objects are in place", "principal", cfg.Registry.Principal)
	},
}

func init() {
	rootCmd.Flags().String("config", "", "Path to configuration file")
	rootCmd.Flags().Duration("timeout", 5*time.Minute, "Overall setup timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
