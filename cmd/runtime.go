package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/subjectmap/internal/config"
	"github.com/zjrosen/subjectmap/internal/fault"
	"github.com/zjrosen/subjectmap/internal/log"
	"github.com/zjrosen/subjectmap/internal/store"
	"github.com/zjrosen/subjectmap/internal/subjectmap"
	"github.com/zjrosen/subjectmap/internal/tracing"
	"github.com/zjrosen/subjectmap/internal/watcher"
)

// runtime bundles the registry with the store-backed fault handler it reads
// from.
type runtime struct {
	store    *store.Store
	cache    *fault.Cache[string, string]
	tracing  *tracing.Provider
	subjects *subjectmap.Map[string, string]
}

// openRuntime opens the store and builds a registry whose fault handler
// reads snapshots, bounded by fault.timeout and memoized for fault.cache_ttl.
func openRuntime(ctx context.Context, c config.Config) (*runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(ctx, c.Store.Path)
	if err != nil {
		return nil, err
	}

	tp, err := tracing.NewProvider(c.Tracing)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}

	rt := &runtime{store: st, tracing: tp}

	handler := fault.Timeout(st.Provider(), c.Fault.Timeout)
	if c.Fault.CacheTTL > 0 {
		rt.cache = fault.NewCache(handler, c.Fault.CacheTTL, 0)
		handler = rt.cache.Func()
	}

	rt.subjects = subjectmap.New(
		subjectmap.WithFaultHandler[string, string](handler),
		subjectmap.WithTracer[string, string](tp.Tracer()),
		subjectmap.WithContext[string, string](ctx),
	)
	return rt, nil
}

// refresh drops cached values and reloads every bound key.
func (r *runtime) refresh() int {
	if r.cache != nil {
		r.cache.Flush()
	}
	n := r.subjects.FaultAllBound()
	log.Debug(log.CatCLI, "Refreshed bound keys", "count", n)
	return n
}

// newWatcher returns a watcher on the store file using the configured debounce.
func (r *runtime) newWatcher(c config.Config) (*watcher.Watcher, error) {
	wc := watcher.DefaultConfig(r.store.Path())
	if c.Watch.Debounce > 0 {
		wc.Debounce = c.Watch.Debounce
	}
	return watcher.New(wc)
}

// Close completes every binding, flushes spans and closes the store.
func (r *runtime) Close(ctx context.Context) error {
	r.subjects.Close()
	r.subjects.Wait()

	var errs []error
	if err := r.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down tracing: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
