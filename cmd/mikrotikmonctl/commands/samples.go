package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// errRouterRequired is returned when --router is omitted from a command
// that needs it.
var errRouterRequired = errors.New("--router flag is required")

func samplesCmd() *cobra.Command {
	var (
		routerID string
		portName string
		from     string
		to       string
		bucket   string
	)

	cmd := &cobra.Command{
		Use:   "samples",
		Short: "Query traffic samples (list_samples)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if routerID == "" {
				return errRouterRequired
			}

			q := url.Values{}
			q.Set("router", routerID)
			if portName != "" {
				q.Set("port", portName)
			}
			if from != "" {
				q.Set("from", from)
			}
			if to != "" {
				q.Set("to", to)
			}
			if bucket != "" {
				q.Set("bucket", bucket)
			}

			if bucket != "" {
				var points []aggregatePointView
				if err := client.do(context.Background(), "GET", "/v1/samples", q, nil, &points); err != nil {
					return fmt.Errorf("list samples: %w", err)
				}
				out, err := formatAggregatePoints(points, outputFormat)
				if err != nil {
					return fmt.Errorf("format samples: %w", err)
				}
				fmt.Print(out)
				return nil
			}

			var samples []sampleView
			if err := client.do(context.Background(), "GET", "/v1/samples", q, nil, &samples); err != nil {
				return fmt.Errorf("list samples: %w", err)
			}
			out, err := formatSamples(samples, outputFormat)
			if err != nil {
				return fmt.Errorf("format samples: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	now := time.Now().UTC()
	flags := cmd.Flags()
	flags.StringVar(&routerID, "router", "", "router id (required)")
	flags.StringVar(&portName, "port", "", "port name (all ports if omitted)")
	flags.StringVar(&from, "from", now.Add(-time.Hour).Format(time.RFC3339), "range start (RFC3339)")
	flags.StringVar(&to, "to", now.Format(time.RFC3339), "range end (RFC3339)")
	flags.StringVar(&bucket, "bucket", "", "aggregation bucket: hour, day (raw samples if omitted)")

	return cmd
}
