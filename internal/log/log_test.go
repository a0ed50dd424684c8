package log

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLog_DisabledUntilInit(t *testing.T) {
	// Must not panic with no logger installed.
	Info(CatRegistry, "nobody listening", "key", "foo")
	require.Nil(t, NewListener(context.Background()))
}

func TestLog_FormatsFields(t *testing.T) {
	buf := &syncBuffer{}
	cleanup := InitWithWriter(buf)
	defer cleanup()

	Info(CatRegistry, "binding announced", "key", "foo", "count", 1)
	ErrorErr(CatFault, "fault failed", errors.New("boom"), "key", "foo")
	Warn(CatStore, "odd fields", "orphan")

	out := buf.String()
	require.Contains(t, out, "[INFO] [registry] binding announced key=foo count=1")
	require.Contains(t, out, "[ERROR] [fault] fault failed key=foo error=boom")
	require.Contains(t, out, "orphan=<missing>")
}

func TestLog_MinLevelAndEnabled(t *testing.T) {
	buf := &syncBuffer{}
	cleanup := InitWithWriter(buf)
	defer cleanup()

	SetMinLevel(LevelWarn)
	Debug(CatRegistry, "hidden")
	Warn(CatRegistry, "shown")

	SetEnabled(false)
	Error(CatRegistry, "also hidden")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
}

func TestLog_InitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	cleanup, err := Init(path)
	require.NoError(t, err)

	Info(CatConfig, "written to file")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "written to file"))
}

func TestLog_ListenerReceivesEntries(t *testing.T) {
	cleanup := InitWithWriter(&syncBuffer{})
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := NewListener(ctx)
	require.NotNil(t, ch)

	Info(CatWatcher, "change detected")

	select {
	case ev := <-ch:
		require.Contains(t, ev.Payload, "change detected")
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for log event")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "warn": LevelWarn, "error": LevelError, "": LevelDebug,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}
