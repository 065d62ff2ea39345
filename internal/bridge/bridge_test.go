package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/gate"
	"github.com/mattjoyce/fontbridge/internal/hostproc"
	"github.com/mattjoyce/fontbridge/internal/log"
	"github.com/mattjoyce/fontbridge/internal/metrics"
	"github.com/mattjoyce/fontbridge/internal/protocol"
	"github.com/mattjoyce/fontbridge/internal/sandbox"
	"github.com/mattjoyce/fontbridge/internal/validate"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type testEnv struct {
	bridge  *Bridge
	root    string
	capture string
	metrics *metrics.Collector
}

type envOption func(*hostproc.Config, *int, *time.Duration)

func withCapacity(n int) envOption {
	return func(_ *hostproc.Config, c *int, _ *time.Duration) { *c = n }
}

func withWaitCeiling(d time.Duration) envOption {
	return func(_ *hostproc.Config, _ *int, w *time.Duration) { *w = d }
}

// newTestEnv builds a Bridge around a shell-script fake host. The host body
// may use $CAPTURE (a directory the test can inspect), $SCRIPT and $RESULT.
func newTestEnv(t *testing.T, hostBody string, opts ...envOption) *testEnv {
	t.Helper()
	base := t.TempDir()
	capture := filepath.Join(base, "capture")
	require.NoError(t, os.Mkdir(capture, 0o755))

	host := filepath.Join(base, "fontlab")
	src := "#!/bin/sh\n" +
		"CAPTURE='" + capture + "'\n" +
		"SCRIPT=\"$2\"\n" +
		"RESULT=\"$4\"\n" +
		hostBody
	require.NoError(t, os.WriteFile(host, []byte(src), 0o755))

	hcfg := hostproc.Config{
		Executable:     host,
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		InterruptGrace: 100 * time.Millisecond,
		TerminateGrace: 100 * time.Millisecond,
	}
	capacity := gate.DefaultCapacity
	var ceiling time.Duration
	for _, o := range opts {
		o(&hcfg, &capacity, &ceiling)
	}

	root := filepath.Join(base, "sessions")
	sandboxes, err := sandbox.NewFSManager(root)
	require.NoError(t, err)

	reg, err := catalog.Builtin()
	require.NoError(t, err)

	m := metrics.New()
	b, err := New(Config{MaxRequestBytes: 4096}, Deps{
		Catalog:   reg,
		Validator: validate.New(validate.Options{}),
		Executor:  hostproc.New(hcfg, nil),
		Sandboxes: sandboxes,
		Gate:      gate.New(capacity, ceiling),
		Metrics:   m,
	})
	require.NoError(t, err)

	return &testEnv{bridge: b, root: root, capture: capture, metrics: m}
}

func (e *testEnv) assertNoSessions(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "sandbox directories leaked")
}

const successHost = `cp "$SCRIPT" "$CAPTURE/script.py"
printf '{"success": true, "data": {"old_name": "A", "new_name": "B"}, "message": "Glyph renamed"}' > "$RESULT"
`

func TestExecuteSuccess(t *testing.T) {
	env := newTestEnv(t, successHost)

	res := env.bridge.Execute(context.Background(), "rename_glyph", map[string]any{
		"name":     "A",
		"new_name": "B",
	}, 0)
	require.True(t, res.Success, "result: %+v", res)
	assert.JSONEq(t, `{"old_name": "A", "new_name": "B"}`, string(res.Data))
	assert.Equal(t, "Glyph renamed", res.Message)
	assert.Empty(t, res.Category)

	script, err := os.ReadFile(filepath.Join(env.capture, "script.py"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `glyph = _glyph(font, "A")`)
	assert.Contains(t, string(script), `font.findGlyph("B")`)
	assert.NotContains(t, string(script), "{{")

	env.assertNoSessions(t)
}

func TestExecuteInjectionRejected(t *testing.T) {
	env := newTestEnv(t, successHost)

	res := env.bridge.Execute(context.Background(), "rename_glyph", map[string]any{
		"name":     "A",
		"new_name": `B"); import os; os.system("id"); ("`,
	}, 0)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryValidation, res.Category)
	assert.Contains(t, res.Error, "new_name")
	assert.NotContains(t, res.Error, "os.system")

	_, err := os.Stat(filepath.Join(env.capture, "script.py"))
	assert.True(t, os.IsNotExist(err), "host must not run for rejected input")
	env.assertNoSessions(t)
}

func TestExecuteFreeTextStaysData(t *testing.T) {
	env := newTestEnv(t, successHost)

	note := "x\"); import os #\nsecond line \\ end"
	res := env.bridge.Execute(context.Background(), "set_glyph_note", map[string]any{
		"name": "A",
		"note": note,
	}, 0)
	require.True(t, res.Success, "result: %+v", res)

	script, err := os.ReadFile(filepath.Join(env.capture, "script.py"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `glyph.note = "x\"); import os #\x0asecond line \\ end"`)
}

func TestExecuteKerningOutOfRange(t *testing.T) {
	env := newTestEnv(t, successHost)

	res := env.bridge.Execute(context.Background(), "set_kerning_pair", map[string]any{
		"left":  "A",
		"right": "V",
		"value": float64(15000),
	}, 0)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryValidation, res.Category)
	assert.Contains(t, res.Error, "value")
	assert.Contains(t, res.Error, "out of range")
	env.assertNoSessions(t)
}

func TestExecuteUnknownOperation(t *testing.T) {
	env := newTestEnv(t, successHost)

	res := env.bridge.Execute(context.Background(), "drop_tables", nil, 0)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryValidation, res.Category)
	assert.Contains(t, res.Error, "operation")
}

func TestExecuteHangingHostTimesOut(t *testing.T) {
	env := newTestEnv(t, `trap '' INT TERM
sleep 30 &
wait
`)

	start := time.Now()
	res := env.bridge.Execute(context.Background(), "get_current_font", nil, 2*time.Second)
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryTimeout, res.Category)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 5*time.Second)
	env.assertNoSessions(t)
	assert.Equal(t, 0, env.bridge.Gate().InUse())
}

func TestExecuteCallerCancels(t *testing.T) {
	env := newTestEnv(t, "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := env.bridge.Execute(ctx, "get_current_font", nil, 5*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryCanceled, res.Category)
	env.assertNoSessions(t)
	assert.Equal(t, 0, env.bridge.Gate().InUse())
}

func TestExecuteHostErrorIsRedacted(t *testing.T) {
	env := newTestEnv(t, `cat > "$RESULT" <<'JSON'
{"success": false, "error": "Cannot open /Users/alice/Fonts/Secret.vfc", "category": "OperationError", "traceback": "Traceback (most recent call last):\n  File \"/tmp/x/script.py\", line 12"}
JSON
`)

	res := env.bridge.Execute(context.Background(), "get_current_font", nil, 0)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryOperation, res.Category)
	assert.Equal(t, "Cannot open [PATH]", res.Error)
	assert.NotContains(t, res.Error, "alice")
	env.assertNoSessions(t)
}

func TestExecuteHostCategories(t *testing.T) {
	env := newTestEnv(t, `printf '{"success": false, "error": "Glyph not found: Q", "category": "NotFoundError"}' > "$RESULT"
`)
	res := env.bridge.Execute(context.Background(), "get_glyph", map[string]any{"name": "Q"}, 0)
	assert.Equal(t, protocol.CategoryNotFound, res.Category)
	assert.Equal(t, "Glyph not found: Q", res.Error)

	env = newTestEnv(t, `printf '{"success": false, "error": "No font is currently open", "category": "NoActiveContextError"}' > "$RESULT"
`)
	res = env.bridge.Execute(context.Background(), "get_current_font", nil, 0)
	assert.Equal(t, protocol.CategoryNoActiveContext, res.Category)
}

func TestExecuteNoResult(t *testing.T) {
	tests := []struct {
		name string
		host string
	}{
		{"exit without output", "exit 0\n"},
		{"crash", "kill -SEGV $$\n"},
		{"garbage", "printf 'not json' > \"$RESULT\"\n"},
		{"empty", ": > \"$RESULT\"\n"},
		{"missing success", "printf '{\"data\": 1}' > \"$RESULT\"\n"},
		{"symlink", "ln -s /etc/passwd \"$RESULT\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.host)
			res := env.bridge.Execute(context.Background(), "get_current_font", nil, 0)
			assert.False(t, res.Success)
			assert.Equal(t, protocol.CategoryNoResult, res.Category)
			assert.Equal(t, "host produced no result", res.Error)
			env.assertNoSessions(t)
		})
	}
}

func TestExecuteLaunchFailure(t *testing.T) {
	env := newTestEnv(t, successHost)
	require.NoError(t, os.Chmod(env.bridge.executor.Command(hostproc.Invocation{})[0], 0o644))

	res := env.bridge.Execute(context.Background(), "get_current_font", nil, 0)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryProcess, res.Category)
	assert.NotContains(t, res.Error, "/")
	env.assertNoSessions(t)
}

func TestExecuteConcurrencyBounded(t *testing.T) {
	// Each host registers itself, samples how many hosts are running, then
	// lingers long enough for the others to overlap.
	env := newTestEnv(t, `mkdir "$CAPTURE/running.$$"
n=$(ls -d "$CAPTURE"/running.* | wc -l)
echo $n >> "$CAPTURE/samples"
sleep 0.2
rmdir "$CAPTURE/running.$$"
printf '{"success": true, "data": null}' > "$RESULT"
`, withCapacity(3))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []protocol.Result
		peak    int
	)
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := env.bridge.Gate().InUse()
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := env.bridge.Execute(context.Background(), "get_current_font", nil, 0)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(stop)
	<-sampled

	require.Len(t, results, 20)
	for _, r := range results {
		assert.True(t, r.Success, "result: %+v", r)
	}
	assert.LessOrEqual(t, peak, 3)

	raw, err := os.ReadFile(filepath.Join(env.capture, "samples"))
	require.NoError(t, err)
	lines := strings.Fields(string(raw))
	assert.Len(t, lines, 20)
	for _, l := range lines {
		n, err := strconv.Atoi(l)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 3, "hosts running at once")
	}
	env.assertNoSessions(t)
}

func TestExecuteResourceExhausted(t *testing.T) {
	env := newTestEnv(t, "sleep 1\n", withCapacity(1), withWaitCeiling(50*time.Millisecond))

	release, err := env.bridge.Gate().Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	res := env.bridge.Execute(context.Background(), "get_current_font", nil, 0)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryResourceExhausted, res.Category)
}

func TestExecuteJSON(t *testing.T) {
	env := newTestEnv(t, successHost)

	res := env.bridge.ExecuteJSON(context.Background(), "set_kerning_pair",
		[]byte(`{"left": "A", "right": "V", "value": -40}`), 0)
	assert.True(t, res.Success, "result: %+v", res)

	script, err := os.ReadFile(filepath.Join(env.capture, "script.py"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `pair = ("A", "V")`)
	assert.Contains(t, string(script), "-40")

	res = env.bridge.ExecuteJSON(context.Background(), "get_current_font", nil, 0)
	assert.True(t, res.Success)

	res = env.bridge.ExecuteJSON(context.Background(), "get_glyph", []byte(`["A"]`), 0)
	assert.Equal(t, protocol.CategoryValidation, res.Category)

	res = env.bridge.ExecuteJSON(context.Background(), "get_glyph", []byte(`{"name": "A"} {}`), 0)
	assert.Equal(t, protocol.CategoryValidation, res.Category)

	big := fmt.Sprintf(`{"name": "A", "note": %q}`, strings.Repeat("x", 5000))
	res = env.bridge.ExecuteJSON(context.Background(), "set_glyph_note", []byte(big), 0)
	assert.Equal(t, protocol.CategoryValidation, res.Category)
	assert.Contains(t, res.Error, "maximum size")
}

func TestExecuteRejectsOversizedParams(t *testing.T) {
	env := newTestEnv(t, `touch "$CAPTURE/launched"
`+successHost)

	res := env.bridge.Execute(context.Background(), "set_glyph_note", map[string]any{
		"name": "A",
		"note": strings.Repeat("x", 9000),
	}, 0)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CategoryValidation, res.Category)
	assert.Contains(t, res.Error, "params")
	assert.Contains(t, res.Error, "maximum size of 4096 bytes")
	assert.NoFileExists(t, filepath.Join(env.capture, "launched"))

	res = env.bridge.Execute(context.Background(), "set_glyph_note", map[string]any{
		"name": "A",
		"note": strings.Repeat("<", 1500),
	}, 0)
	assert.True(t, res.Success, "result: %+v", res)

	res = env.bridge.Execute(context.Background(), "set_glyph_note", map[string]any{
		"name": "A",
		"note": make(chan int),
	}, 0)
	assert.Equal(t, protocol.CategoryValidation, res.Category)
	env.assertNoSessions(t)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	env := newTestEnv(t, successHost)
	env.bridge.Execute(context.Background(), "get_current_font", nil, 0)
	env.bridge.Execute(context.Background(), "get_glyph", map[string]any{"name": ""}, 0)

	families, err := env.metrics.Registry.Gather()
	require.NoError(t, err)
	outcomes := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "fontbridge_bridge_executions_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			var op, outcome string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "operation":
					op = l.GetValue()
				case "outcome":
					outcome = l.GetValue()
				}
			}
			outcomes[op+"/"+outcome] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), outcomes["get_current_font/success"])
	assert.Equal(t, float64(1), outcomes["get_glyph/ValidationError"])
}

func TestResultJSONShape(t *testing.T) {
	env := newTestEnv(t, successHost)
	res := env.bridge.Execute(context.Background(), "get_glyph", map[string]any{"name": 5}, 0)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "ValidationError", m["category"])
	assert.NotContains(t, m, "data")
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []State{StateReceived, StateValidating, StateQueuedForSlot, StateExecuting, StateEscalatingKill, StateSanitizing} {
		assert.False(t, s.Terminal(), string(s))
	}
}
