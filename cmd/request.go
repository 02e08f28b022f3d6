package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhail/dispatch/config"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request related commands",
}

var (
	reqCustomer string
	reqClass    string
	reqOrigin   []float64
	reqDest     []float64
	reqPickup   string
)

var requestSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a ride request to a running engine",
	RunE:  runRequestSubmit,
}

var requestStatusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show the dispatch state of a request",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequestStatus,
}

func init() {
	requestSubmitCmd.Flags().StringVar(&reqCustomer, "customer", "cli", "customer id")
	requestSubmitCmd.Flags().StringVar(&reqClass, "class", "standard", "service class")
	requestSubmitCmd.Flags().Float64SliceVar(&reqOrigin, "origin", nil, "pickup point as lat,lon")
	requestSubmitCmd.Flags().Float64SliceVar(&reqDest, "dest", nil, "dropoff point as lat,lon")
	requestSubmitCmd.Flags().StringVar(&reqPickup, "pickup-at", "", "future pickup time, RFC3339")
	requestCmd.AddCommand(requestSubmitCmd)
	requestCmd.AddCommand(requestStatusCmd)
	rootCmd.AddCommand(requestCmd)
}

func runRequestSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(reqOrigin) != 2 || len(reqDest) != 2 {
		return fmt.Errorf("--origin and --dest must each be lat,lon")
	}
	body := map[string]any{
		"customer_id": reqCustomer,
		"class":       reqClass,
		"origin_lat":  reqOrigin[0],
		"origin_lon":  reqOrigin[1],
		"dest_lat":    reqDest[0],
		"dest_lon":    reqDest[1],
	}
	if reqPickup != "" {
		at, err := time.Parse(time.RFC3339, reqPickup)
		if err != nil {
			return fmt.Errorf("pickup-at: %w", err)
		}
		body["pickup_at"] = at
	}
	body["id"] = fmt.Sprintf("cli-%d", time.Now().UnixNano())

	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(apiBase(cfg)+"/api/requests", "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submit rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
	return nil
}

func runRequestStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	resp, err := http.Get(apiBase(cfg) + "/api/requests/" + args[0])
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status failed (%d): %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
	return nil
}
