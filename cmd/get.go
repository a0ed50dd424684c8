package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/subjectmap/internal/pubsub"
)

var getTimeout time.Duration

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the current value of a key",
	Long: `Subscribe to a key, print the first value it emits and exit.

The value is resolved the same way 'watch' resolves it, through the fault
handler configured under 'fault'.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)

	getCmd.Flags().DurationVar(&getTimeout, "timeout", 10*time.Second,
		"how long to wait for a value")
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), getTimeout)
	defer cancel()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	value, err := firstValue(ctx, rt, args[0])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

// firstValue waits for the first notification on key.
func firstValue(ctx context.Context, rt *runtime, key string) (string, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := rt.subjects.Get(key).Channel(subCtx, 1)
	select {
	case ev, ok := <-events:
		if !ok {
			return "", fmt.Errorf("%s: subscription closed without a value", key)
		}
		switch ev.Type {
		case pubsub.NextEvent:
			return ev.Payload, nil
		case pubsub.ErrorEvent:
			return "", fmt.Errorf("%s: %w", key, ev.Err)
		default:
			return "", fmt.Errorf("%s: completed without a value", key)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: timed out waiting for a value", key)
		}
		return "", ctx.Err()
	}
}
