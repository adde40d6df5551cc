package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// errUserRequired is returned when --user is omitted from "alert ack".
var errUserRequired = errors.New("--user flag is required")

func alertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "List and acknowledge alerts",
	}

	cmd.AddCommand(alertListCmd())
	cmd.AddCommand(alertAckCmd())

	return cmd
}

// --- alert list ---

func alertListCmd() *cobra.Command {
	var (
		routerID string
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts (list_alerts)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			q := url.Values{}
			if routerID != "" {
				q.Set("router", routerID)
			}
			if all {
				q.Set("unacknowledged", "false")
			}

			var alerts []alertView
			if err := client.do(context.Background(), "GET", "/v1/alerts", q, nil, &alerts); err != nil {
				return fmt.Errorf("list alerts: %w", err)
			}

			out, err := formatAlerts(alerts, outputFormat)
			if err != nil {
				return fmt.Errorf("format alerts: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&routerID, "router", "", "filter by router id")
	flags.BoolVar(&all, "all", false, "include already-acknowledged alerts")

	return cmd
}

// --- alert ack ---

func alertAckCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert (acknowledge_alert)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if user == "" {
				return errUserRequired
			}

			req := struct {
				User string `json:"user"`
			}{User: user}

			var acked alertView
			if err := client.do(context.Background(), "POST", "/v1/alerts/"+args[0]+"/ack", nil, req, &acked); err != nil {
				return fmt.Errorf("acknowledge alert: %w", err)
			}

			out, err := formatAlert(acked, outputFormat)
			if err != nil {
				return fmt.Errorf("format alert: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user acknowledging the alert (required)")

	return cmd
}
