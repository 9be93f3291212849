package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/offgrid/internal/config"
	"github.com/kalambet/offgrid/internal/notify"
	"github.com/kalambet/offgrid/internal/storage"
	"github.com/kalambet/offgrid/internal/syncqueue"
)

// hookResponse is the body returned by the event hook routes.
type hookResponse struct {
	Event   string `json:"event"`
	Outcome struct {
		Generation   string               `json:"generation"`
		Activated    bool                 `json:"activated"`
		Notification *notify.Notification `json:"notification"`
		Replay       *syncqueue.Result    `json:"replay"`
		Action       notify.Outcome       `json:"action"`
		Online       *bool                `json:"online"`
	} `json:"outcome"`
	ReplayError string `json:"replay_error"`
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay queued cart and order writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		var pending []storage.Mutation
		if err := decodeJSON(resp, &pending); err != nil {
			return err
		}
		if len(pending) == 0 {
			printSuccess("Queue is empty")
			return nil
		}
		for _, m := range pending {
			printMutation(m)
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending mutation",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("clearing the queue discards unsynced writes; pass --yes to confirm")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		var result struct {
			Cleared int `json:"cleared"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cleared %d queued mutation(s)", result.Cleared)
		return nil
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run one replay pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/replay", nil)
		if err != nil {
			return err
		}
		var result hookResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		r := result.Outcome.Replay
		if r == nil {
			return fmt.Errorf("server returned no replay result")
		}
		if result.ReplayError != "" {
			printWarning("Replay stopped at %s: %s", r.FailedID, result.ReplayError)
		} else {
			printSuccess("Replayed %d mutation(s)", r.Replayed)
		}
		if r.DeadLettered != "" {
			printWarning("Moved %s to dead letters", r.DeadLettered)
		}
		printStatus("Replayed", "%d", r.Replayed)
		printStatus("Remaining", "%d", r.Remaining)
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List mutations that exhausted their attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/queue/dead")
		if err != nil {
			return err
		}
		var dead []storage.DeadLetter
		if err := decodeJSON(resp, &dead); err != nil {
			return err
		}
		if len(dead) == 0 {
			printSuccess("No dead letters")
			return nil
		}
		for _, d := range dead {
			printMutation(d.Mutation)
			printStatus("    dead", "%s", ago(d.DeadAt))
		}
		return nil
	},
}

func printMutation(m storage.Mutation) {
	fmt.Printf("%s  %-12s attempts=%d  enqueued %s\n",
		colorize(colorBold, m.ID), m.Kind, m.Attempts, ago(m.EnqueuedAt))
	if m.LastError != "" {
		fmt.Printf("    last error: %s\n", colorize(colorRed, m.LastError))
	}
}

// --- generation ---

var generationCmd = &cobra.Command{
	Use:     "generation",
	Aliases: []string{"gen"},
	Short:   "Manage cache generations",
}

var generationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/generations")
		if err != nil {
			return err
		}
		var gens []storage.Generation
		if err := decodeJSON(resp, &gens); err != nil {
			return err
		}
		if len(gens) == 0 {
			printWarning("No generations installed")
			return nil
		}
		for _, g := range gens {
			state := string(g.State)
			if g.State == storage.StateActive {
				state = colorize(colorGreen, state)
			}
			fmt.Printf("%-16s %-12s created %s\n", g.Name, state, ago(g.CreatedAt))
		}
		return nil
	},
}

var generationInstallCmd = &cobra.Command{
	Use:   "install <name> [resource...]",
	Short: "Install a new cache generation",
	Long: `Install a new cache generation. Without resources the configured
precache set is fetched. The first generation is activated at once; later
ones wait for the update action.

Examples:
  offgrid generation install v2
  offgrid generation install v2 / /offline.html /app.js`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Installing generation %s", args[0])
		resp, err := client.post(cmd.Context(), "/hooks/install", map[string]any{
			"generation": args[0],
			"resources":  args[1:],
		})
		if err != nil {
			return err
		}
		var result hookResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Outcome.Activated {
			printSuccess("Generation %s installed and active", result.Outcome.Generation)
		} else {
			printSuccess("Generation %s installed, waiting for activation", result.Outcome.Generation)
		}
		return nil
	},
}

var generationActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the installed generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/hooks/activate", nil)
		if err != nil {
			return err
		}
		var result hookResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Generation %s is now active", result.Outcome.Generation)
		return nil
	},
}

// --- connectivity ---

var connectivityCmd = &cobra.Command{
	Use:       "connectivity <online|offline>",
	Short:     "Report a connectivity change",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		online := args[0] == "online"
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/connectivity", map[string]bool{"online": online})
		if err != nil {
			return err
		}
		var result hookResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Reported %s", onlineLabel(online))
		return nil
	},
}

// --- notify ---

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send notifications to client windows",
}

var notifySendCmd = &cobra.Command{
	Use:   "send",
	Short: "Dispatch a local notification",
	Long: `Dispatch a local notification to every connected client window.

Examples:
  offgrid notify send --title "Order shipped" --body "Your order is on its way" --url /orders/42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		tag, _ := cmd.Flags().GetString("tag")
		url, _ := cmd.Flags().GetString("url")
		if title == "" && body == "" {
			return fmt.Errorf("one of --title or --body is required")
		}

		n := notify.Notification{Title: title, Body: body, Tag: tag, Data: notify.Data{URL: url}}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/notifications", n)
		if err != nil {
			return err
		}
		var sent notify.Notification
		if err := decodeJSON(resp, &sent); err != nil {
			return err
		}
		printSuccess("Sent %q", sent.Title)
		return nil
	},
}

var notifyPushCmd = &cobra.Command{
	Use:   "push [payload]",
	Short: "Deliver an inbound push payload",
	Long: `Deliver an inbound push payload as if it came from the push service.
The payload is read from stdin when no argument is given. Non-JSON payloads
are shown as plain text under the default title.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if len(args) == 1 {
			payload = []byte(args[0])
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			payload = data
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/hooks/push", payload)
		if err != nil {
			return err
		}
		var result hookResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if n := result.Outcome.Notification; n != nil {
			printSuccess("Displayed %q", n.Title)
		}
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect cached snapshots",
}

var cacheCatalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the cached catalog if it is still fresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/catalog/cached")
		if err != nil {
			return err
		}
		var catalog json.RawMessage
		if err := decodeJSON(resp, &catalog); err != nil {
			return err
		}
		if at := resp.Header.Get("X-Offgrid-Written-At"); at != "" {
			printStatus("Written at", "%s", at)
		}
		fmt.Println(string(catalog))
		return nil
	},
}

// --- snapshots ---

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Manage offline cart and wishlist snapshots",
}

var snapshotsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the catalog, cart and wishlist snapshots (logout)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/snapshots")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, serverMessage(body))
		}
		printSuccess("Snapshots deleted, queued writes kept")
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
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. List keys take a comma-separated value.
Values are saved to $OFFGRID_CONFIG, or offgrid/config.json under the user
config directory.

Valid keys: ` + strings.Join(config.ValidKeys(), ", "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	queueClearCmd.Flags().Bool("yes", false, "confirm discarding queued writes")
	queueCmd.AddCommand(queueListCmd, queueClearCmd, queueReplayCmd, queueDeadCmd)

	generationCmd.AddCommand(generationListCmd, generationInstallCmd, generationActivateCmd)

	notifySendCmd.Flags().String("title", "", "notification title")
	notifySendCmd.Flags().String("body", "", "notification body")
	notifySendCmd.Flags().String("tag", "", "replace an earlier notification with the same tag")
	notifySendCmd.Flags().String("url", "", "page to open when the notification is clicked")
	notifyCmd.AddCommand(notifySendCmd, notifyPushCmd)

	cacheCmd.AddCommand(cacheCatalogCmd)
	snapshotsCmd.AddCommand(snapshotsResetCmd)

	configCmd.AddCommand(configShowCmd, configSetCmd)
}
