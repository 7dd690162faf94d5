package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var flagStatusJSON bool

// agentStatus mirrors the inspection server's /status answer.
type agentStatus struct {
	AgentID    string `json:"agentId"`
	Controller string `json:"controller"`
	Attached   bool   `json:"attached"`
	Policy     string `json:"policy"`
	Sessions   []struct {
		TabID    int    `json:"tabId"`
		TargetID string `json:"targetId"`
		State    string `json:"state"`
	} `json:"sessions"`
	Shipper struct {
		Sent    int64 `json:"sent"`
		Failed  int64 `json:"failed"`
		Dropped int64 `json:"dropped"`
	} `json:"shipper"`
	Buffered struct {
		Logs    int `json:"logs"`
		Network int `json:"network"`
	} `json:"buffered"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's debugger sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Inspect.Enabled {
			return fmt.Errorf("inspection server is disabled (inspect.enabled: false)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Inspect.Listen+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("agent not running at %s: %w", cfg.Inspect.Listen, err)
		}
		defer resp.Body.Close()

		var st agentStatus
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}
		if flagStatusJSON {
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Agent:      %s\n", st.AgentID)
		fmt.Printf("Controller: %s\n", st.Controller)
		fmt.Printf("Policy:     %s\n", st.Policy)
		fmt.Printf("Attached:   %v\n", st.Attached)
		for _, s := range st.Sessions {
			fmt.Printf("  tab %-4d %-10s %s\n", s.TabID, s.State, s.TargetID)
		}
		fmt.Printf("Shipped:    %d sent, %d failed, %d dropped\n", st.Shipper.Sent, st.Shipper.Failed, st.Shipper.Dropped)
		fmt.Printf("Buffered:   %d logs, %d network\n", st.Buffered.Logs, st.Buffered.Network)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusJSON, "json", false, "Output as JSON")
}
