package watcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/internal/sampler"
	"github.com/HerbHall/memwatcher/internal/sink"
	"github.com/HerbHall/memwatcher/internal/testutil"
	"github.com/HerbHall/memwatcher/pkg/models"
)

const csvPath = "/data/MemWatcher.csv"

// readerFunc adapts a function to sampler.Reader.
type readerFunc func(ctx context.Context) (models.Sample, error)

func (f readerFunc) Read(ctx context.Context) (models.Sample, error) { return f(ctx) }

// countingSink records every sample it receives.
type countingSink struct {
	name string
	err  error

	mu  sync.Mutex
	got []models.Sample
}

func (c *countingSink) Name() string { return c.name }

func (c *countingSink) Write(_ context.Context, s models.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, s)
	return nil
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func testSchema(t *testing.T) models.Schema {
	t.Helper()
	s, err := models.NewSchema("test", "CPUUtilization", "RAMFree")
	require.NoError(t, err)
	return s
}

// newFileRig wires a scripted source through a real sampler and file sink.
// The context is cancelled during read number stopAfter, so that tick
// completes and no further tick starts.
func newFileRig(t *testing.T, stopAfter int, logger *zap.Logger) (context.Context, *testutil.ScriptedSource, *Agent, afero.Fs) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	schema := testSchema(t)
	src := testutil.NewScriptedSource(map[string]any{
		"CPUUtilization": int64(12),
		"RAMFree":        uint64(4096),
	})
	src.OnRead = func(call int) {
		if call == stopAfter {
			cancel()
		}
	}
	clock := testutil.NewClock().Ticking(time.Second)
	smp := sampler.New(schema, src, logger, sampler.WithClock(clock))

	fs := afero.NewMemMapFs()
	exp := export.New(logger, sink.NewFile(fs, csvPath, schema, logger))
	require.NoError(t, exp.Prepare(ctx))

	return ctx, src, NewAgent(10*time.Millisecond, smp, exp, logger), fs
}

func csvLines(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	b, err := afero.ReadFile(fs, csvPath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func TestAgent_FiveTicksToFile(t *testing.T) {
	ctx, src, agent, fs := newFileRig(t, 5, zap.NewNop())

	require.NoError(t, agent.Run(ctx))

	assert.Equal(t, 5, src.Calls())
	lines := csvLines(t, fs)
	require.Len(t, lines, 6)
	assert.Equal(t, "DateTime,CPUUtilization,RAMFree", lines[0])

	var prev time.Time
	for i, row := range lines[1:] {
		cols := strings.Split(row, ",")
		require.Len(t, cols, 3, "row %d", i)
		assert.Equal(t, []string{"12", "4096"}, cols[1:], "row %d", i)
		ts, err := time.Parse(time.RFC3339Nano, cols[0])
		require.NoError(t, err)
		assert.True(t, ts.After(prev), "row %d timestamp %v not after %v", i, ts, prev)
		prev = ts
	}
	assert.Equal(t, StateStopped, agent.State())
	assert.Equal(t, uint64(5), agent.Iteration())
}

func TestAgent_ReadFailureDoesNotStopLoop(t *testing.T) {
	logger, logs := testutil.ObservedLogger()
	ctx, src, agent, fs := newFileRig(t, 5, logger)
	src.FailOn(3)

	require.NoError(t, agent.Run(ctx))

	lines := csvLines(t, fs)
	assert.Len(t, lines, 1+4, "ticks 1, 2, 4 and 5 export")

	failures := logs.FilterMessage("sample read failed; skipping export").All()
	require.Len(t, failures, 1)
	assert.Equal(t, uint64(3), failures[0].ContextMap()["iteration"])

	iterations := logs.FilterMessage("iteration").All()
	require.Len(t, iterations, 5)
	for i, e := range iterations {
		assert.Equal(t, zapcore.InfoLevel, e.Level)
		assert.Equal(t, uint64(i+1), e.ContextMap()["iteration"])
	}
}

func TestAgent_ReadFailsEveryTime(t *testing.T) {
	ctx, src, agent, fs := newFileRig(t, 4, zap.NewNop())
	src.FailOn(1, 2, 3, 4)

	require.NoError(t, agent.Run(ctx))

	assert.Equal(t, 4, src.Calls())
	assert.Len(t, csvLines(t, fs), 1, "header only")
	report, ok := agent.LastReport()
	require.True(t, ok)
	assert.Equal(t, uint64(4), report.Iteration)
	assert.Nil(t, report.Sample)
	assert.ErrorIs(t, report.SampleErr, testutil.ErrInjected)
}

func TestAgent_SinkFailureIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broken := &countingSink{name: "broken", err: errors.New("503 Service Unavailable")}
	healthy := &countingSink{name: "healthy"}
	exp := export.New(zap.NewNop(), broken, healthy)

	src := testutil.NewScriptedSource(map[string]any{"CPUUtilization": int64(1), "RAMFree": uint64(2)})
	src.OnRead = func(call int) {
		if call == 3 {
			cancel()
		}
	}
	reg := prometheus.NewRegistry()
	agent := NewAgent(5*time.Millisecond, sampler.New(testSchema(t), src, zap.NewNop()), exp, zap.NewNop(), WithRegisterer(reg))

	require.NoError(t, agent.Run(ctx))

	assert.Equal(t, 3, healthy.count())
	assert.Equal(t, float64(3), promtest.ToFloat64(agent.metrics.exportFailures.WithLabelValues("broken")))
	assert.Equal(t, float64(3), promtest.ToFloat64(agent.metrics.ticks))
	assert.Equal(t, float64(0), promtest.ToFloat64(agent.metrics.sampleFailures))

	report, ok := agent.LastReport()
	require.True(t, ok)
	assert.NotNil(t, report.Sample)
	assert.False(t, report.OK())
	require.Len(t, export.Failures(report.ExportErr), 1)
}

func TestAgent_PanicInSamplerIsContained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	r := readerFunc(func(context.Context) (models.Sample, error) {
		calls++
		if calls == 2 {
			panic("host handle released")
		}
		if calls == 3 {
			cancel()
		}
		return models.NewSample(time.Now(), nil), nil
	})
	sinkRec := &countingSink{name: "rec"}
	agent := NewAgent(time.Millisecond, r, export.New(zap.NewNop(), sinkRec), zap.NewNop())

	require.NoError(t, agent.Run(ctx))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, sinkRec.count())
}

// panickingExporter fails outside any per-sink guard.
type panickingExporter struct{}

func (panickingExporter) Write(context.Context, models.Sample) error {
	panic("exporter state corrupted")
}

func TestAgent_PanicInExporterIsExportFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := testutil.NewScriptedSource(map[string]any{"CPUUtilization": int64(1), "RAMFree": uint64(2)})
	src.OnRead = func(call int) {
		if call == 2 {
			cancel()
		}
	}
	reg := prometheus.NewRegistry()
	agent := NewAgent(time.Millisecond, sampler.New(testSchema(t), src, zap.NewNop()), panickingExporter{},
		zap.NewNop(), WithRegisterer(reg))

	require.NoError(t, agent.Run(ctx))

	report, ok := agent.LastReport()
	require.True(t, ok)
	assert.NoError(t, report.SampleErr)
	assert.NotNil(t, report.Sample)
	failures := export.Failures(report.ExportErr)
	require.Len(t, failures, 1)
	assert.Equal(t, "exporter", failures[0].Sink)
	assert.Contains(t, failures[0].Err.Error(), "exporter state corrupted")

	assert.Equal(t, float64(0), promtest.ToFloat64(agent.metrics.sampleFailures))
	assert.Equal(t, float64(2), promtest.ToFloat64(agent.metrics.exportFailures.WithLabelValues("exporter")))
}

func TestAgent_StopLetsInFlightExportFinish(t *testing.T) {
	arrived := make(chan struct{})
	var once sync.Once
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		once.Do(func() { close(arrived) })
		time.Sleep(200 * time.Millisecond)
		delivered.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	seq, err := sink.NewSeq(sink.SeqConfig{URL: srv.URL, Installation: "rack-7", Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	src := testutil.NewScriptedSource(map[string]any{"CPUUtilization": int64(1), "RAMFree": uint64(2)})
	agent := NewAgent(time.Hour, sampler.New(testSchema(t), src, zap.NewNop()), export.New(zap.NewNop(), seq), zap.NewNop())
	require.NoError(t, agent.Start(context.Background()))

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("seq server never received the event")
	}
	agent.Stop()

	assert.Equal(t, int32(1), delivered.Load())
	report, ok := agent.LastReport()
	require.True(t, ok)
	assert.Equal(t, uint64(1), report.Iteration)
	assert.NoError(t, report.ExportErr)
	assert.True(t, report.OK())
	assert.Equal(t, StateStopped, agent.State())
}

func TestAgent_TickSpacing(t *testing.T) {
	const interval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts []time.Time
	r := readerFunc(func(context.Context) (models.Sample, error) {
		starts = append(starts, time.Now())
		if len(starts) == 4 {
			cancel()
		}
		return models.NewSample(time.Now(), nil), nil
	})
	agent := NewAgent(interval, r, export.New(zap.NewNop()), zap.NewNop())
	require.NoError(t, agent.Run(ctx))

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, interval-2*time.Millisecond, "gap %d", i)
		assert.Less(t, gap, 20*interval, "gap %d", i)
	}
}

func TestAgent_StopInterruptsSleep(t *testing.T) {
	src := testutil.NewScriptedSource(map[string]any{"CPUUtilization": int64(1), "RAMFree": uint64(2)})
	agent := NewAgent(time.Hour, sampler.New(testSchema(t), src, zap.NewNop()), export.New(zap.NewNop()), zap.NewNop())

	require.NoError(t, agent.Start(context.Background()))
	assert.Equal(t, StateRunning, agent.State())
	require.Eventually(t, func() bool { return agent.Iteration() == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		agent.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the sleep")
	}
	assert.Equal(t, StateStopped, agent.State())
	agent.Stop() // idempotent
}

func TestAgent_StartOnlyOnce(t *testing.T) {
	src := testutil.NewScriptedSource(map[string]any{"CPUUtilization": int64(1), "RAMFree": uint64(2)})
	agent := NewAgent(time.Hour, sampler.New(testSchema(t), src, zap.NewNop()), export.New(zap.NewNop()), zap.NewNop())

	require.NoError(t, agent.Start(context.Background()))
	t.Cleanup(agent.Stop)
	assert.ErrorIs(t, agent.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, agent.Run(context.Background()), ErrAlreadyStarted)
}

func TestAgent_StopBeforeStart(t *testing.T) {
	agent := NewAgent(0, readerFunc(func(context.Context) (models.Sample, error) {
		return models.Sample{}, nil
	}), export.New(zap.NewNop()), zap.NewNop())

	assert.Equal(t, DefaultInterval, agent.Interval())
	agent.Stop()
	assert.Equal(t, StateStopped, agent.State())
	assert.ErrorIs(t, agent.Start(context.Background()), ErrAlreadyStarted)
	_, ok := agent.LastReport()
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateSuspended: "suspended",
		StateRunning:   "running",
		StateStopped:   "stopped",
		State(9):       "State(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}
