package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleethub/internal/client"
	"fleethub/internal/fanout"
)

var (
	watchRobots []string
	watchKinds  []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live fleet events from a hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := fanout.Filter{RobotIDs: watchRobots}
		for _, k := range watchKinds {
			kind, ok := fanout.ParseKind(k)
			if !ok {
				return fmt.Errorf("unknown event kind: %q", k)
			}
			filter.Kinds = append(filter.Kinds, kind)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := json.NewEncoder(cmd.OutOrStdout())
		return client.New(hubURL).Watch(ctx, filter, func(event map[string]any) {
			_ = out.Encode(event)
		})
	},
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchRobots, "robot", "r", nil, "Only events for these robots")
	watchCmd.Flags().StringSliceVarP(&watchKinds, "kind", "k", nil, "Only these kinds: state_update, task_update, system_event")
}
