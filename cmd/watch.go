package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/subjectmap/internal/log"
	"github.com/zjrosen/subjectmap/internal/pubsub"
)

var (
	watchNoRefresh bool
	watchLogs      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch KEY...",
	Short: "Subscribe to keys and print every value they take",
	Long: `Subscribe to one or more keys and print their values as they change.

Each key is loaded from the snapshot database on subscription. While watch
runs, writes to the database (for example with 'subjectmap put') reload every
watched key.

Example:
  subjectmap watch temperature humidity
  subjectmap watch --no-refresh temperature`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchNoRefresh, "no-refresh", false,
		"do not reload keys when the database changes")
	watchCmd.Flags().BoolVar(&watchLogs, "logs", false,
		"stream log entries to stderr")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchLogs {
		streamLogs(ctx, cmd.ErrOrStderr())
	}

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.ErrorErr(log.CatCLI, "Error shutting down", err)
		}
	}()

	p := newPrinter(cmd.OutOrStdout())
	subs := subscribeKeys(rt, p, args)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	if cfg.Watch.Enabled && !watchNoRefresh {
		w, err := rt.newWatcher(cfg)
		if err != nil {
			return fmt.Errorf("creating watcher: %w", err)
		}
		go func() {
			if err := w.Run(ctx, func() { rt.refresh() }); err != nil {
				log.ErrorErr(log.CatWatcher, "Watcher stopped", err)
				p.err("watcher", err)
			}
		}()
	}

	p.muted(fmt.Sprintf("watching %s (Ctrl+C to stop)", strings.Join(args, ", ")))
	<-ctx.Done()
	return nil
}

// subscribeKeys subscribes p to every key, deduplicating repeated keys.
func subscribeKeys(rt *runtime, p *printer, keys []string) []*pubsub.Subscription {
	seen := make(map[string]struct{}, len(keys))
	subs := make([]*pubsub.Subscription, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		k := key
		subs = append(subs, rt.subjects.Get(k).SubscribeFunc(
			func(v string) { p.value(k, v) },
			func(err error) { p.err(k, err) },
			func() { p.done(k) },
		))
	}
	return subs
}

// streamLogs copies log entries to w until ctx is done. Logging is switched
// on with a discarding sink if nothing else enabled it.
func streamLogs(ctx context.Context, w io.Writer) {
	ch := log.NewListener(ctx)
	if ch == nil {
		cleanup := log.InitWithWriter(io.Discard)
		go func() {
			<-ctx.Done()
			cleanup()
		}()
		ch = log.NewListener(ctx)
	}
	go func() {
		for ev := range ch {
			if ev.Type == pubsub.NextEvent {
				_, _ = io.WriteString(w, mutedStyle.Render(strings.TrimRight(ev.Payload, "\n"))+"\n")
			}
		}
	}()
}
