package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/spf13/cobra"

	"github.com/manaflow-ai/browserlogger/internal/browser"
	"github.com/manaflow-ai/browserlogger/internal/telemetry"
)

const commandTimeout = 30 * time.Second

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the controller is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := newClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		start := time.Now()
		if err := client.Identity(ctx); err != nil {
			return fmt.Errorf("controller at %s: %w", client.BaseURL(), err)
		}
		fmt.Printf("Controller at %s is up (%s)\n", client.BaseURL(), time.Since(start).Round(time.Millisecond))
		if v, err := client.Version(ctx); err == nil && v != "" {
			fmt.Printf("  Version: %s\n", v)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many records the controller stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		stats, err := newClient(cfg).Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Logs:     %d\n", stats.Logs)
		fmt.Printf("Errors:   %d\n", stats.Errors)
		fmt.Printf("Network:  %d\n", stats.Network)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all data stored by the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if err := newClient(cfg).Clear(ctx); err != nil {
			return err
		}
		fmt.Println("Controller data cleared")
		return nil
	},
}

var (
	flagShotTab    int
	flagShotOutput string
	flagShotNoPost bool
)

var screenshotCmd = &cobra.Command{
	Use:   "screenshot",
	Short: "Capture a tab and send it to the controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		m := browser.NewManager(cfg.Chrome.URL)
		defer m.Close()

		var tabID *int
		if cmd.Flags().Changed("tab") {
			tabID = &flagShotTab
		}
		tab, err := m.Resolve(ctx, tabID)
		if err != nil {
			return err
		}
		data, err := m.Screenshot(ctx, target.ID(tab.Target))
		if err != nil {
			return err
		}

		if flagShotOutput != "" {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(data, "data:image/png;base64,"))
			if err != nil {
				return fmt.Errorf("failed to decode screenshot: %w", err)
			}
			if err := os.WriteFile(flagShotOutput, raw, 0644); err != nil {
				return err
			}
			fmt.Printf("Saved %s (%d bytes)\n", flagShotOutput, len(raw))
		}

		if !flagShotNoPost {
			err := newClient(cfg).Post(ctx, telemetry.EndpointScreenshot, telemetry.Record{
				Type:      telemetry.TypeScreenshot,
				Timestamp: telemetry.Now(),
				TabID:     tab.ID,
				Data:      data,
			})
			if err != nil {
				return fmt.Errorf("failed to send screenshot: %w", err)
			}
			fmt.Printf("Sent screenshot of tab %d (%s)\n", tab.ID, tab.URL)
		}
		return nil
	},
}

func init() {
	screenshotCmd.Flags().IntVar(&flagShotTab, "tab", 0, "Tab id (default: active tab)")
	screenshotCmd.Flags().StringVarP(&flagShotOutput, "output", "o", "", "Also write the PNG to this file")
	screenshotCmd.Flags().BoolVar(&flagShotNoPost, "no-post", false, "Do not send the screenshot to the controller")
}
