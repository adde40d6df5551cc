package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "monitor <router-id>",
		Short: "Stream real-time traffic snapshots for a router (subscribe_realtime)",
		Long:  "Connects to the mikrotikmon daemon and streams real-time traffic snapshots until interrupted (Ctrl+C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if sessionID == "" {
				sessionID = "mikrotikmonctl-" + strconv.FormatInt(time.Now().UnixNano(), 36)
			}

			q := url.Values{}
			q.Set("session", sessionID)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				client.baseURL+"/v1/routers/"+args[0]+"/realtime?"+q.Encode(), nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := client.hc.Do(req)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("subscribe realtime: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				var eb errorBody
				if decErr := json.NewDecoder(resp.Body).Decode(&eb); decErr == nil && eb.Error != "" {
					return fmt.Errorf("subscribe realtime: %s (status %d)", eb.Error, resp.StatusCode)
				}
				return fmt.Errorf("subscribe realtime: status %d", resp.StatusCode)
			}

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if len(line) < 6 || line[:6] != "data: " {
					continue
				}

				var snap snapshotView
				if err := json.Unmarshal([]byte(line[6:]), &snap); err != nil {
					continue
				}

				out, fmtErr := formatSnapshot(snap, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format snapshot: %w", fmtErr)
				}
				fmt.Println(out)
			}

			if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stream error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id (random if omitted)")

	return cmd
}
