package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/genexuslabs/ExposureNotifications/internal/config"
	"github.com/genexuslabs/ExposureNotifications/internal/detection"
	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/exposure"
)

// --- enable / disable ---

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Start exposure notifications, optionally with a new configuration",
	Long: `Start exposure notifications on the matching engine.

Examples:
  exposured enable
  exposured enable --config ./exposure-config.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		body := map[string]any{}
		if path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading configuration: %w", err)
			}
			if _, report := detection.ParseConfiguration(string(data)); !report.OK() {
				printWarning("configuration field %s is malformed (%d fields will be ignored): %v",
					report.Field, report.FailedFields, report.Err)
			}
			if json.Valid(data) {
				body["configuration"] = json.RawMessage(data)
			} else {
				body["configuration"] = string(data)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/start", body)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Exposure notifications started")
		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop exposure notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/stop", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Exposure notifications stopped")
		return nil
	},
}

func init() {
	enableCmd.Flags().String("config", "", "path to an exposure configuration JSON file")
}

// --- detect ---

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Queue a detection session now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/detect", nil)
		if err != nil {
			return err
		}

		var result struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Detection %s (job %s)", result.Status, result.JobID)
		return nil
	},
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the stored detection result",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This forgets the last exposure detection result. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/reset", nil)
		if err != nil {
			return err
		}

		var result struct {
			Reset bool `json:"reset"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result.Reset {
			return fmt.Errorf("detection result could not be reset")
		}

		printSuccess("Detection result cleared")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm the reset")
}

// --- interval ---

var intervalCmd = &cobra.Command{
	Use:   "interval <minutes>",
	Short: "Set the minimum minutes between detection sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("minutes must be a number: %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/properties/min-interval", map[string]int{"minutes": minutes})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Detection interval set to %d minutes", minutes)
		return nil
	},
}

// --- explanation ---

var explanationCmd = &cobra.Command{
	Use:   "explanation <text>",
	Short: "Set the text shown to the user when asking for authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/properties/user-explanation", map[string]string{"text": args[0]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("User explanation updated")
		return nil
	},
}

// --- result ---

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Show the last exposure detection result",
	RunE: func(cmd *cobra.Command, args []string) error {
		details, _ := cmd.Flags().GetBool("details")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/exposure/result")
		if err != nil {
			return err
		}
		var result exposure.SessionResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.ID == "" {
			fmt.Println("No detection session has completed yet.")
			return nil
		}

		fmt.Printf("%s %s\n", colorize(colorBold, "Session"), result.ID)
		fmt.Printf("  Completed:      %s\n", result.SessionTimestamp.Local().Format("2006-01-02 15:04"))
		fmt.Printf("  Matched keys:   %d\n", result.MatchedKeyCount)
		fmt.Printf("  Max risk score: %d\n", result.MaximumRiskScore)
		if result.LastExposureDate != "" {
			fmt.Printf("  Last exposure:  %s\n", result.LastExposureDate)
		}

		if !details {
			return nil
		}

		resp, err = client.get(cmd.Context(), "/exposure/details")
		if err != nil {
			return err
		}
		var infos []engine.ExposureInformation
		if err := decodeJSON(resp, &infos); err != nil {
			return err
		}
		return writeIndented(os.Stdout, infos)
	},
}

func init() {
	resultCmd.Flags().Bool("details", false, "also print per-exposure details")
}

// --- keys ---

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Print this device's temporary exposure key history",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/keys/history")
		if err != nil {
			return err
		}
		var keys []engine.TemporaryExposureKey
		if err := decodeJSON(resp, &keys); err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No keys available.")
			return nil
		}
		for _, k := range keys {
			fmt.Printf("%s  start=%d period=%d risk=%d\n",
				colorize(colorCyan, base64.StdEncoding.EncodeToString(k.KeyData)),
				k.RollingStartIntervalNumber,
				k.RollingPeriod,
				k.TransmissionRiskLevel,
			)
		}
		return nil
	},
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent host events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/events?limit=%d", limit))
		if err != nil {
			return err
		}

		var events []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Event   string `json:"event"`
			Token   string `json:"token"`
			FiredAt string `json:"fired_at"`
		}
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events recorded.")
			return nil
		}

		for _, ev := range events {
			fmt.Printf("%s  %s.%s", ev.FiredAt, ev.Object, colorize(colorBold, ev.Event))
			if ev.Token != "" {
				fmt.Printf("  token=%s", ev.Token)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 20, "maximum number of events to list")
}

// --- jobs ---

type jobView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Periodic        bool   `json:"periodic"`
	IntervalMinutes int    `json:"interval_minutes"`
	Status          string `json:"status"`
	Attempts        int    `json:"attempts"`
	RunAfter        string `json:"run_after"`
	LastError       string `json:"last_error"`
}

func printJob(j jobView) {
	kind := "one-shot"
	if j.Periodic {
		kind = fmt.Sprintf("every %d min", j.IntervalMinutes)
	}
	label := j.ID
	if j.Name != "" {
		label += " (" + j.Name + ")"
	}
	fmt.Printf("%s  %s  %s  next=%s  attempts=%d\n", label, colorize(colorBold, j.Status), kind, j.RunAfter, j.Attempts)
	if j.LastError != "" {
		fmt.Printf("  last error: %s\n", j.LastError)
	}
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [id]",
	Short: "List scheduled detection jobs, or show one by id",
	Long: `List the scheduled detection jobs. With an id, as printed by
"exposured detect", show that job only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			var job jobView
			if err := decodeJSON(resp, &job); err != nil {
				return err
			}
			printJob(job)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/jobs")
		if err != nil {
			return err
		}
		var jobs []jobView
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs scheduled.")
			return nil
		}
		for _, j := range jobs {
			printJob(j)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			return writeIndented(os.Stdout, out)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s  [%s, %s]\n", colorize(colorBold, k.Key), k.Value, k.Source, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		printStep("Restart exposured for the change to take effect")
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configRotateTokenCmd = &cobra.Command{
	Use:   "rotate-token",
	Short: "Generate a new API bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.RotateAPIToken(config.NewKeychain()); err != nil {
			return err
		}
		printSuccess("API token rotated")
		printStep("Restart exposured for the new token to take effect")
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configRotateTokenCmd)
}
