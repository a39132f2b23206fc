package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudkeep/ipabridge/internal/agent"
	"github.com/cloudkeep/ipabridge/pkg/logger"
)

// enrollCmd waits for the one-time password and enrolls the host
var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Wait for the one-time password and enroll this host",
	Long: `Wait for the platform to deliver the enrollment one-time password, then
enroll this host with the directory server exactly once.

The agent polls the secret path at a fixed interval up to a bounded number
of attempts (default 60 attempts at 1 second). Enrollment is never retried:
a consumed or stale password would be rejected by the directory server.

Examples:
  # Enroll with the default configuration
  ipabridge-agent enroll

  # Enroll with a custom secret location
  ipabridge-agent enroll --secret-path /run/otp`,
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := agent.LoadConfig(configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		// Override with command line flags
		if secretPath, _ := cmd.Flags().GetString("secret-path"); secretPath != "" {
			cfg.SecretPath = secretPath
		}
		if metadataPath, _ := cmd.Flags().GetString("metadata-path"); metadataPath != "" {
			cfg.MetadataPath = metadataPath
		}
		if installer, _ := cmd.Flags().GetString("installer"); installer != "" {
			cfg.Installer = installer
		}
		if attempts, _ := cmd.Flags().GetInt("attempts"); attempts > 0 {
			cfg.PollAttempts = attempts
		}
		if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
			cfg.PollInterval = interval
		}

		loggerConfig := cfg.Log
		loggerConfig.Component = "agent"
		loggerConfig.Version = "1.0.0"
		log := logger.New(loggerConfig)

		a := agent.New(
			agent.NewFileSecret(cfg.SecretPath),
			agent.NewFileMetadata(cfg.MetadataPath),
			agent.NewExecEnroller(cfg.Installer, cfg.EnrollTimeout, log),
			cfg.PollAttempts,
			cfg.PollInterval,
			log,
		)

		start := time.Now()
		if err := a.Run(context.Background()); err != nil {
			log.Error("enrollment failed",
				"state", string(a.State()),
				"elapsed", time.Since(start),
				"error", err)
			os.Exit(1)
		}

		log.Info("enrollment complete", "elapsed", time.Since(start))
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("config", "", "Path to agent configuration file")
	enrollCmd.Flags().String("secret-path", "", "Path the one-time password is delivered to")
	enrollCmd.Flags().String("metadata-path", "", "Path to the local instance metadata JSON")
	enrollCmd.Flags().String("installer", "", "Client enrollment binary to execute")
	enrollCmd.Flags().Int("attempts", 0, "Number of secret poll attempts")
	enrollCmd.Flags().Duration("interval", 0, "Delay between secret poll attempts")
}
