package cli

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/manaflow-ai/browserlogger/internal/config"
	"github.com/manaflow-ai/browserlogger/internal/controller"
)

var (
	flagVerbose    bool
	flagConfig     string
	flagController string
)

var rootCmd = &cobra.Command{
	Use:   "browserlogger",
	Short: "browserlogger - Browser telemetry agent",
	Long: `browserlogger attaches to a Chrome instance over the DevTools protocol,
reports console, network and WebSocket activity to a local controller and
executes the controller's browser commands.

Quick start:
  browserlogger run                      # Start the agent
  browserlogger ping                     # Check the controller
  browserlogger stats                    # Show what the controller stored
  browserlogger clear                    # Clear controller data
  browserlogger screenshot -o shot.png   # Capture the active tab
  browserlogger status                   # Show debugger sessions
  browserlogger config init              # Write the default config`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default $BROWSERLOGGER_HOME/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagController, "controller", "", "Controller URL (overrides config)")

	rootCmd.AddCommand(versionCmd)

	// Agent
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	// Controller commands
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(screenshotCmd)

	// Configuration
	rootCmd.AddCommand(configCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config selected by --config and validates it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds a controller client, honoring --controller and --verbose.
func newClient(cfg *config.Config) *controller.Client {
	url := cfg.ControllerURL()
	if flagController != "" {
		url = flagController
	}
	c := controller.NewClient(url, cfg.Controller.Signature, cfg.ControllerTimeout())
	c.SetVerbose(flagVerbose)
	return c
}
