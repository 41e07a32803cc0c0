package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fleethub/internal/gateway/zmq"
	"fleethub/internal/hub"
	"fleethub/internal/logger"
)

var (
	hubConfigPath string
	hubDebugFlag  bool
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Start the fleet hub daemon",
	Long: `The fleet hub listens for robot state reports on the configured transport
(ZMQ or NATS), tracks liveness and tasks, and serves the HTTP and WebSocket API.
A default configuration file is written on first start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(hubConfigPath); os.IsNotExist(err) {
			if err := hub.SaveConfig(hub.NewDefaultConfig(), hubConfigPath); err != nil {
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			cmd.Printf("Created default configuration file: %s\n", hubConfigPath)
			cmd.Println("Review it and start the hub again.")
			return nil
		}

		config, err := hub.LoadConfig(hubConfigPath)
		if err != nil {
			return err
		}

		// Components capture their logger at construction
		logger.SetSilentMode(config.Logging.Silent)
		logger.SetLevel(config.Logging.Level)
		if hubDebugFlag || verbose {
			logger.SetLevel(logger.LOG_DEBUG)
		}

		log := logger.New()
		log.Info().
			Str("config_path", hubConfigPath).
			Str("transport", config.Transport.Provider).
			Msg("Starting fleet hub daemon")

		daemon, err := hub.NewDaemon(config)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create hub daemon")
			return fmt.Errorf("failed to create hub daemon: %w", err)
		}

		// Blocks until SIGINT or SIGTERM
		if err := daemon.Start(); err != nil {
			log.Error().Err(err).Msg("Hub daemon stopped with error")
			return fmt.Errorf("hub daemon error: %w", err)
		}

		return nil
	},
}

var hubConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hub configuration",
	Long:  `Generate or validate hub configuration files.`,
}

var hubConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := hubConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		if err := hub.SaveConfig(hub.NewDefaultConfig(), configPath); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", configPath)
		return nil
	},
}

var hubConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := hubConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		config, err := hub.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", configPath)
		cmd.Printf("API address: %s\n", config.Server.Address)
		cmd.Printf("Transport: %s\n", config.Transport.Provider)
		switch config.Transport.Provider {
		case hub.ProviderZMQ:
			cmd.Printf("  publish:   %s\n", config.Transport.ZMQ.PublishEndpoint)
			cmd.Printf("  subscribe: %s\n", config.Transport.ZMQ.SubscribeEndpoint)
			cmd.Printf("  curve:     %t\n", config.Transport.ZMQ.Curve.Enabled)
		case hub.ProviderNATS:
			cmd.Printf("  url: %s\n", config.Transport.NATS.URL)
		}
		cmd.Printf("Offline threshold: %s\n", config.Watchdog.Threshold)
		cmd.Printf("Battery floor: %.0f%%\n", config.Scheduler.BatteryFloor)

		return nil
	},
}

var hubKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show the hub's CurveZMQ public key",
	Long: `Load the hub's CurveZMQ key pair from the configured key file, creating it
if needed, and print the public key agents pass as --curve-server-key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile := hub.NewDefaultConfig().Transport.ZMQ.Curve.KeyFile
		if config, err := hub.LoadConfig(hubConfigPath); err == nil {
			keyFile = config.Transport.ZMQ.Curve.KeyFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		keys, err := zmq.LoadOrGenerateKeys(keyFile)
		if err != nil {
			return err
		}

		cmd.Printf("Key file:   %s\n", keyFile)
		cmd.Printf("Public key: %s\n", keys.PublicKey)
		return nil
	},
}

func init() {
	hubCmd.PersistentFlags().StringVarP(&hubConfigPath, "config", "c", "hub.yml", "Path to hub configuration file")
	hubCmd.Flags().BoolVarP(&hubDebugFlag, "debug", "d", false, "Enable debug logging")

	hubCmd.AddCommand(hubConfigCmd)
	hubCmd.AddCommand(hubKeysCmd)
	hubConfigCmd.AddCommand(hubConfigGenerateCmd)
	hubConfigCmd.AddCommand(hubConfigValidateCmd)
}
