package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/openhail/dispatch/config"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet related commands",
}

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List connected agents",
	RunE:  runFleetLs,
}

func init() {
	fleetCmd.AddCommand(fleetLsCmd)
	rootCmd.AddCommand(fleetCmd)
}

func runFleetLs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	resp, err := http.Get(apiBase(cfg) + "/api/fleet?connected=true")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fleet listing failed (%d)", resp.StatusCode)
	}
	var out struct {
		Agents []struct {
			ID        string  `json:"id"`
			Class     string  `json:"class"`
			Lat       float64 `json:"lat"`
			Lon       float64 `json:"lon"`
			Available bool    `json:"available"`
			Busy      bool    `json:"busy"`
		} `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	for _, a := range out.Agents {
		state := "available"
		switch {
		case a.Busy:
			state = "busy"
		case !a.Available:
			state = "off-duty"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%.5f,%.5f\t%s\n", a.ID, a.Class, a.Lat, a.Lon, state)
	}
	return nil
}
