package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/agentmux/config"
	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/log"
	"github.com/ByteMirror/agentmux/pool"
	"github.com/ByteMirror/agentmux/proc"
	"github.com/ByteMirror/agentmux/proc/proc_test"
	"github.com/ByteMirror/agentmux/stream"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type captureSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *captureSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
}

func (s *captureSink) countOf(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestManager(spawner proc.Spawner, maxConcurrent int, sink events.Sink) *Manager {
	cfg := config.DefaultConfig()
	cfg.DefaultProgram = "claude -p --output-format stream-json --verbose"
	return NewManagerWithClock(cfg, pool.NewPool(maxConcurrent), spawner, stream.JSONParser{}, sink, newFakeClock().Now)
}

func drain(t *testing.T, ch <-chan stream.Message) []stream.Message {
	t.Helper()
	var msgs []stream.Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatal("timed out draining agent output")
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

const meteredRun = `{"type":"system","subtype":"init","session_id":"sess-42"}
{"type":"assistant","message":{"content":[{"type":"text","text":"working"},{"type":"tool_use","name":"Edit"},{"type":"tool_use","name":"Bash"}],"usage":{"input_tokens":10,"output_tokens":5}}}
{"type":"result","subtype":"success","total_cost_usd":0.035,"session_id":"sess-42","usage":{"input_tokens":1200,"output_tokens":340}}
`

func TestStartAgentMetersOutput(t *testing.T) {
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			return proc_test.NewFakeHandle(4242, meteredRun, 0), nil
		},
	}
	sink := &captureSink{}
	mgr := newTestManager(spawner, 2, sink)

	ch, err := mgr.StartAgent(context.Background(), "reviewer", StartOptions{Prompt: "review the diff"})
	require.NoError(t, err)

	msgs := drain(t, ch)
	require.Len(t, msgs, 5)
	require.Equal(t, stream.KindSystem, msgs[0].Kind)
	require.Equal(t, stream.KindResult, msgs[4].Kind)

	a, ok := mgr.GetAgent("reviewer")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, a.Status)
	require.Nil(t, a.Process)
	require.Empty(t, a.Error)
	require.Equal(t, "sess-42", a.SessionID)
	require.Equal(t, 2, a.Metrics.ToolCalls)
	require.InDelta(t, 0.035, a.Metrics.CostUSD, 1e-9)
	require.Equal(t, int64(1540), a.Metrics.TokensUsed)
	require.GreaterOrEqual(t, a.Metrics.DurationMS, int64(1))

	waitFor(t, func() bool { return mgr.PoolStats().Running == 0 }, "slot not released")
	waitFor(t, func() bool { return sink.countOf(events.AgentCompleted) == 1 }, "completed event not emitted")
	require.Equal(t, 1, sink.countOf(events.AgentStarted))
	require.Equal(t, 0, sink.countOf(events.AgentError))
}

func TestMetricsAccumulateAcrossRuns(t *testing.T) {
	costs := []string{
		`{"type":"result","subtype":"success","total_cost_usd":0.01}` + "\n",
		`{"type":"result","subtype":"success","total_cost_usd":0.02}` + "\n",
		`{"type":"result","subtype":"success","cost_usd":0.005}` + "\n",
	}
	run := 0
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			h := proc_test.NewFakeHandle(100+run, costs[run], 0)
			run++
			return h, nil
		},
	}
	mgr := newTestManager(spawner, 1, events.NopSink{})

	for i := 0; i < 3; i++ {
		ch, err := mgr.StartAgent(context.Background(), "worker", StartOptions{})
		require.NoError(t, err)
		drain(t, ch)
		waitFor(t, func() bool { return mgr.PoolStats().Running == 0 }, "slot not released")
	}

	metrics, err := mgr.AgentMetrics("worker")
	require.NoError(t, err)
	require.InDelta(t, 0.035, metrics.CostUSD, 1e-9)
	require.Equal(t, metrics, mgr.TotalMetrics())
}

func TestStartAgentExitFailure(t *testing.T) {
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			h := proc_test.NewFakeHandle(7, "not json at all\n", 2)
			h.Errput = "fatal: prompt rejected\n"
			return h, nil
		},
	}
	sink := &captureSink{}
	mgr := newTestManager(spawner, 1, sink)

	ch, err := mgr.StartAgent(context.Background(), "broken", StartOptions{})
	require.NoError(t, err)
	msgs := drain(t, ch)
	require.Len(t, msgs, 1)
	require.Equal(t, stream.KindText, msgs[0].Kind)

	a, _ := mgr.GetAgent("broken")
	require.Equal(t, StatusError, a.Status)
	require.Contains(t, a.Error, "exited with code 2")
	require.Contains(t, a.Error, "prompt rejected")
	waitFor(t, func() bool { return sink.countOf(events.AgentError) == 1 }, "error event not emitted")
	waitFor(t, func() bool { return mgr.PoolStats().Running == 0 }, "slot not released")
}

func TestStartAgentSpawnFailureReleasesSlot(t *testing.T) {
	boom := errors.New("executable not found")
	failing := true
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			if failing {
				return nil, boom
			}
			return proc_test.NewFakeHandle(9, "", 0), nil
		},
	}
	mgr := newTestManager(spawner, 1, events.NopSink{})

	_, err := mgr.StartAgent(context.Background(), "a", StartOptions{})
	require.ErrorIs(t, err, boom)
	a, _ := mgr.GetAgent("a")
	require.Equal(t, StatusError, a.Status)
	require.Equal(t, 0, mgr.PoolStats().Running)

	// The slot came back, so the next start is admitted immediately.
	failing = false
	ch, err := mgr.StartAgent(context.Background(), "a", StartOptions{})
	require.NoError(t, err)
	drain(t, ch)
}

func TestStartAgentBusy(t *testing.T) {
	spawner := &proc_test.FakeSpawner{}
	mgr := newTestManager(spawner, 2, events.NopSink{})

	_, err := mgr.StartAgent(context.Background(), "a", StartOptions{})
	require.NoError(t, err)
	_, err = mgr.StartAgent(context.Background(), "a", StartOptions{})
	require.ErrorIs(t, err, ErrAgentBusy)

	require.NoError(t, mgr.StopAgent("a"))
	require.Equal(t, 1, spawner.Spawned())
}

func TestStopAgentIdempotent(t *testing.T) {
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			return &proc_test.FakeHandle{Pid: 11, BlockAfter: true, Exit: -1, WaitErr: errors.New("signal: terminated")}, nil
		},
	}
	sink := &captureSink{}
	mgr := newTestManager(spawner, 1, sink)

	ch, err := mgr.StartAgent(context.Background(), "a", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.StopAgent("a"))
	drain(t, ch)
	a, _ := mgr.GetAgent("a")
	require.Equal(t, StatusError, a.Status)
	require.Contains(t, a.Error, "terminated")
	require.Nil(t, a.Process)
	require.Equal(t, 0, mgr.PoolStats().Running)

	// A second stop, and stops of agents that never ran, are no-ops.
	require.NoError(t, mgr.StopAgent("a"))
	require.ErrorIs(t, mgr.StopAgent("ghost"), ErrUnknownAgent)
	require.Equal(t, 1, sink.countOf(events.AgentStopped)+sink.countOf(events.AgentError))
}

func TestPauseResume(t *testing.T) {
	spawner := &proc_test.FakeSpawner{}
	sink := &captureSink{}
	mgr := newTestManager(spawner, 1, sink)

	_, err := mgr.StartAgent(context.Background(), "a", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.PauseAgent("a"))
	a, _ := mgr.GetAgent("a")
	require.Equal(t, StatusPaused, a.Status)

	// Pausing twice is a state error, as is resuming a working agent.
	require.Error(t, mgr.PauseAgent("a"))
	require.NoError(t, mgr.ResumeAgent("a"))
	a, _ = mgr.GetAgent("a")
	require.Equal(t, StatusWorking, a.Status)
	require.Error(t, mgr.ResumeAgent("a"))
	require.ErrorIs(t, mgr.PauseAgent("ghost"), ErrUnknownAgent)

	require.NoError(t, mgr.StopAgent("a"))
	require.Equal(t, 1, sink.countOf(events.AgentPaused))
	require.Equal(t, 1, sink.countOf(events.AgentResumed))
}

func TestStopAllConservesSlots(t *testing.T) {
	const agents = 12
	const limit = 3
	spawner := &proc_test.FakeSpawner{}
	mgr := newTestManager(spawner, limit, events.NopSink{})

	var wg sync.WaitGroup
	var startErrs = make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, startErrs[i] = mgr.StartAgent(context.Background(), fmt.Sprintf("agent-%02d", i), StartOptions{})
		}(i)
	}

	waitFor(t, func() bool {
		s := mgr.PoolStats()
		return s.Running == limit && s.Queued == agents-limit
	}, "pool never reached steady state")
	require.Equal(t, limit, spawner.Spawned())

	require.NoError(t, mgr.StopAll())
	wg.Wait()

	running := 0
	rejected := 0
	for i := 0; i < agents; i++ {
		if startErrs[i] == nil {
			running++
		} else {
			require.ErrorIs(t, startErrs[i], pool.ErrPoolClosed)
			rejected++
		}
	}
	require.Equal(t, limit, running)
	require.Equal(t, agents-limit, rejected)

	s := mgr.PoolStats()
	require.Equal(t, 0, s.Running)
	require.Equal(t, 0, s.Queued)
	require.Equal(t, limit, spawner.Spawned(), "no spawn may happen after the sweep")
	for _, a := range mgr.ListAgents() {
		require.True(t, a.Status.Terminal(), "agent %s left in %s", a.ID, a.Status)
		require.Nil(t, a.Process)
	}
}

// exitBoundStderr serves its content only after the process "exits", the
// way a real child holds its stderr pipe open until it dies.
type exitBoundStderr struct {
	exited <-chan struct{}
	data   string
	served bool
	eof    atomic.Bool
}

func (r *exitBoundStderr) Read(p []byte) (int, error) {
	<-r.exited
	if !r.served {
		r.served = true
		return copy(p, r.data), nil
	}
	r.eof.Store(true)
	return 0, io.EOF
}

// pipeStrictHandle enforces the os/exec contract that pipe reads complete
// before Wait: a Wait that beats the stderr drain is recorded as a
// violation. Stdout EOF doubles as the process exiting.
type pipeStrictHandle struct {
	*proc_test.FakeHandle
	stderr   *exitBoundStderr
	exit     func()
	violated atomic.Bool
}

func (h *pipeStrictHandle) Stdout() io.Reader {
	return &eofSignalReader{r: h.FakeHandle.Stdout(), signal: h.exit}
}

func (h *pipeStrictHandle) Stderr() io.Reader { return h.stderr }

func (h *pipeStrictHandle) Wait() error {
	err := h.FakeHandle.Wait()
	if !h.stderr.eof.Load() {
		h.violated.Store(true)
	}
	return err
}

type eofSignalReader struct {
	r      io.Reader
	signal func()
}

func (e *eofSignalReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.signal()
	}
	return n, err
}

func TestStderrTailReadBeforeWait(t *testing.T) {
	exited := make(chan struct{})
	var exitOnce sync.Once
	var handle *pipeStrictHandle
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			handle = &pipeStrictHandle{
				FakeHandle: proc_test.NewFakeHandle(31, "plain output\n", 2),
				stderr: &exitBoundStderr{
					exited: exited,
					data:   "fatal: repository handshake failed\n",
				},
				exit: func() { exitOnce.Do(func() { close(exited) }) },
			}
			return handle, nil
		},
	}
	mgr := newTestManager(spawner, 1, events.NopSink{})

	ch, err := mgr.StartAgent(context.Background(), "a", StartOptions{})
	require.NoError(t, err)
	drain(t, ch)

	a, _ := mgr.GetAgent("a")
	require.Equal(t, StatusError, a.Status)
	require.Contains(t, a.Error, "exited with code 2")
	require.Contains(t, a.Error, "repository handshake failed")
	require.False(t, handle.violated.Load(), "Wait ran before the stderr drain finished")
	waitFor(t, func() bool { return mgr.PoolStats().Running == 0 }, "slot not released")
}

// gatedKillHandle lets a test hold a StopAll sweep open at the kill step.
type gatedKillHandle struct {
	*proc_test.FakeHandle
	entered func()
	gate    <-chan struct{}
}

func (h *gatedKillHandle) Kill() error {
	h.entered()
	<-h.gate
	return h.FakeHandle.Kill()
}

func TestStopAllRejectsStartGrantedMidSweep(t *testing.T) {
	gate := make(chan struct{})
	killEntered := make(chan struct{})
	var enteredOnce sync.Once
	var spawned int32
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			atomic.AddInt32(&spawned, 1)
			return &gatedKillHandle{
				FakeHandle: &proc_test.FakeHandle{Pid: 21, BlockAfter: true},
				entered:    func() { enteredOnce.Do(func() { close(killEntered) }) },
				gate:       gate,
			}, nil
		},
	}
	mgr := newTestManager(spawner, 1, events.NopSink{})

	_, err := mgr.StartAgent(context.Background(), "running", StartOptions{})
	require.NoError(t, err)

	stopDone := make(chan struct{})
	go func() {
		_ = mgr.StopAll()
		close(stopDone)
	}()
	select {
	case <-killEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never reached the kill")
	}

	// The sweep has cleared the queue but not yet reaped the running
	// agent. A start admitted now gets its slot granted mid-sweep, after
	// the sweep's snapshot, and must not survive it.
	lateErr := make(chan error, 1)
	go func() {
		_, err := mgr.StartAgent(context.Background(), "late", StartOptions{})
		lateErr <- err
	}()
	waitFor(t, func() bool { return mgr.PoolStats().Queued == 1 }, "late start never queued")

	close(gate)
	select {
	case err := <-lateErr:
		require.ErrorIs(t, err, ErrStopping)
	case <-time.After(5 * time.Second):
		t.Fatal("late start never returned")
	}
	<-stopDone

	require.Equal(t, int32(1), atomic.LoadInt32(&spawned), "no spawn may follow the sweep")
	s := mgr.PoolStats()
	require.Equal(t, 0, s.Running)
	require.Equal(t, 0, s.Queued)
	a, _ := mgr.GetAgent("late")
	require.Equal(t, StatusError, a.Status)
}

func TestResumePassesSessionFlag(t *testing.T) {
	first := `{"type":"result","subtype":"success","session_id":"sess-7","total_cost_usd":0.001}` + "\n"
	spawner := &proc_test.FakeSpawner{
		SpawnFunc: func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
			return proc_test.NewFakeHandle(5, first, 0), nil
		},
	}
	mgr := newTestManager(spawner, 1, events.NopSink{})

	ch, err := mgr.StartAgent(context.Background(), "a", StartOptions{Prompt: "build it"})
	require.NoError(t, err)
	drain(t, ch)
	waitFor(t, func() bool { return mgr.PoolStats().Running == 0 }, "slot not released")

	var resumed proc.Spec
	spawner.SpawnFunc = func(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
		resumed = spec
		return proc_test.NewFakeHandle(6, "", 0), nil
	}
	ch, err = mgr.StartAgent(context.Background(), "a", StartOptions{Prompt: "keep going", Resume: true})
	require.NoError(t, err)
	drain(t, ch)

	require.Equal(t, "claude", resumed.Command)
	require.Contains(t, resumed.Args, "--resume")
	require.Contains(t, resumed.Args, "sess-7")
	require.Equal(t, "keep going", resumed.Args[len(resumed.Args)-1])
}

func TestStartAgentQueueCancel(t *testing.T) {
	spawner := &proc_test.FakeSpawner{}
	mgr := newTestManager(spawner, 1, events.NopSink{})

	_, err := mgr.StartAgent(context.Background(), "running", StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.StartAgent(ctx, "waiting", StartOptions{})
		errCh <- err
	}()
	waitFor(t, func() bool { return mgr.PoolStats().Queued == 1 }, "start never queued")

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled start never returned")
	}
	require.Equal(t, 0, mgr.PoolStats().Queued)
	require.Equal(t, 1, spawner.Spawned())

	a, _ := mgr.GetAgent("waiting")
	require.Equal(t, StatusError, a.Status)
	require.NoError(t, mgr.StopAgent("running"))
}
