package cli

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manaflow-ai/browserlogger/internal/agent"
	"github.com/manaflow-ai/browserlogger/internal/browser"
	"github.com/manaflow-ai/browserlogger/internal/config"
)

var flagAttach string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Long: `Run connects to Chrome and the controller and keeps reporting telemetry
and executing commands until interrupted. When the controller version changes
the configuration is reloaded and the agent restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runLoop(ctx, func(cfg *config.Config, tabs *browser.Tabs) error {
			a := agent.New(cfg, newClient(cfg), browser.NewManagerWithTabs(cfg.Chrome.URL, tabs))
			return a.Run(ctx)
		})
	},
}

// runLoop reloads the configuration and calls start until start returns
// something other than a reload request. Tab ids are kept across restarts.
func runLoop(ctx context.Context, start func(*config.Config, *browser.Tabs) error) error {
	tabs := browser.NewTabs()
	for {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagAttach != "" {
			cfg.Chrome.Attach = flagAttach
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		err = start(cfg, tabs)
		if errors.Is(err, agent.ErrReloadRequested) {
			log.Printf("[agent] restarting")
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func init() {
	runCmd.Flags().StringVar(&flagAttach, "attach", "", "Attach policy: "+config.AttachActive+", "+config.AttachAll+" or "+config.AttachNone+" (overrides config)")
}
