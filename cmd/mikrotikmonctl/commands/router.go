package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func routerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Inspect and manage monitored routers",
	}

	cmd.AddCommand(routerStatusCmd())
	cmd.AddCommand(routerRefreshCmd())
	cmd.AddCommand(routerResumeRealtimeCmd())

	return cmd
}

// --- router status ---

func routerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <router-id>",
		Short: "Show a router's reachability and last-poll status",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var view routerStatusView
			if err := client.do(context.Background(), "GET", "/v1/routers/"+args[0]+"/status", nil, nil, &view); err != nil {
				return fmt.Errorf("get router status: %w", err)
			}

			out, err := formatRouterStatus(view, outputFormat)
			if err != nil {
				return fmt.Errorf("format router status: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- router refresh ---

func routerRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <router-id>",
		Short: "Refresh interface metadata out of band (refresh_interface_metadata)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.do(context.Background(), "POST", "/v1/routers/"+args[0]+"/refresh", nil, nil, nil); err != nil {
				return fmt.Errorf("refresh interfaces: %w", err)
			}
			fmt.Printf("Router %s: interface metadata refresh requested.\n", args[0])
			return nil
		},
	}
}

// --- router resume-realtime ---

func routerResumeRealtimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume-realtime <router-id>",
		Short: "Resume an auto-paused real-time poller (resume_realtime)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := client.do(context.Background(), "POST", "/v1/routers/"+args[0]+"/realtime/resume", nil, nil, nil); err != nil {
				return fmt.Errorf("resume realtime: %w", err)
			}
			fmt.Printf("Router %s: real-time polling resumed.\n", args[0])
			return nil
		},
	}
}
