package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vibedev/agentd/internal/common/errors"
	"github.com/vibedev/agentd/internal/common/logger"
	"github.com/vibedev/agentd/internal/events/bus"
	"github.com/vibedev/agentd/internal/runtime"
	"github.com/vibedev/agentd/internal/store"
)

// fakeRuntime scripts the agent runtime: tests feed events per run and
// decide when the prompt call returns.
type fakeRuntime struct {
	mu        sync.Mutex
	runSeq    int
	createErr error
	feeds     map[string]chan runtime.RunEvent
	prompts   map[string]chan error
	statuses  map[string]runtime.RunStatus
	aborts    map[string]int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		feeds:    make(map[string]chan runtime.RunEvent),
		prompts:  make(map[string]chan error),
		statuses: make(map[string]runtime.RunStatus),
		aborts:   make(map[string]int),
	}
}

func (f *fakeRuntime) CreateRun(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.runSeq++
	runID := fmt.Sprintf("run-%d", f.runSeq)
	f.feeds[runID] = make(chan runtime.RunEvent, 64)
	f.prompts[runID] = make(chan error, 1)
	return runID, nil
}

func (f *fakeRuntime) SubmitPrompt(ctx context.Context, runID string, req runtime.PromptRequest) error {
	f.mu.Lock()
	release := f.prompts[runID]
	f.mu.Unlock()
	if release == nil {
		return runtime.ErrRunNotFound
	}
	select {
	case err := <-release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRuntime) SubscribeEvents(ctx context.Context, runID string) (<-chan runtime.RunEvent, error) {
	f.mu.Lock()
	feed := f.feeds[runID]
	f.mu.Unlock()
	if feed == nil {
		return nil, runtime.ErrRunNotFound
	}

	out := make(chan runtime.RunEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-feed:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeRuntime) GetRunStatus(ctx context.Context, runID string) (runtime.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[runID]
	if !ok {
		return "", runtime.ErrRunNotFound
	}
	return status, nil
}

func (f *fakeRuntime) AbortRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts[runID]++
	return nil
}

// emit pushes one event into a run's feed.
func (f *fakeRuntime) emit(runID string, evType string, payload any) {
	data, _ := json.Marshal(payload)
	f.mu.Lock()
	feed := f.feeds[runID]
	f.mu.Unlock()
	feed <- runtime.RunEvent{Type: evType, Properties: data}
}

// finishPrompt ends a run: the feed closes and the prompt call returns err.
func (f *fakeRuntime) finishPrompt(runID string, err error) {
	f.mu.Lock()
	feed := f.feeds[runID]
	release := f.prompts[runID]
	f.mu.Unlock()
	close(feed)
	release <- err
}

// addFeed seeds a feed for a run the fake did not create, standing in for a
// run started by a previous process.
func (f *fakeRuntime) addFeed(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[runID] = make(chan runtime.RunEvent, 64)
}

// closeFeed ends a run's feed without a terminal event.
func (f *fakeRuntime) closeFeed(runID string) {
	f.mu.Lock()
	feed := f.feeds[runID]
	f.mu.Unlock()
	close(feed)
}

func (f *fakeRuntime) setStatus(runID string, status runtime.RunStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[runID] = status
}

func (f *fakeRuntime) abortCount(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts[runID]
}

type testEnv struct {
	mgr *Manager
	rt  *fakeRuntime
	st  *store.MemoryStore
	bus *bus.MemoryEventBus
}

func testConfig() Config {
	return Config{
		MaxConcurrent:     5,
		Timeout:           5 * time.Second,
		HeartbeatInterval: time.Second,
		EventBufferSize:   100,
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	rt := newFakeRuntime()
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	return &testEnv{
		mgr: NewManager(cfg, st, rt, eventBus, log),
		rt:  rt,
		st:  st,
		bus: eventBus,
	}
}

func createRequest(id string) CreateRequest {
	return CreateRequest{
		SessionID: id,
		Prompt:    "write a test",
		Model:     runtime.ModelConfig{Provider: "anthropic", Model: "claude-sonnet-4"},
	}
}

func TestCreateSession_Success(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)

	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "run-1", snap.RemoteRunID)
	assert.Equal(t, 0, snap.Progress)

	rec, ok := env.st.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "running", rec.Status)
	assert.Equal(t, "run-1", rec.RemoteRunID)

	env.rt.finishPrompt("run-1", nil)
}

func TestCreateSession_Validation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing session id", CreateRequest{Prompt: "p", Model: runtime.ModelConfig{Provider: "a", Model: "m"}}},
		{"missing prompt", CreateRequest{SessionID: "s", Model: runtime.ModelConfig{Provider: "a", Model: "m"}}},
		{"missing provider", CreateRequest{SessionID: "s", Prompt: "p", Model: runtime.ModelConfig{Model: "m"}}},
		{"missing model", CreateRequest{SessionID: "s", Prompt: "p", Model: runtime.ModelConfig{Provider: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mgr.CreateSession(context.Background(), tt.req)
			assert.True(t, apperrors.IsValidation(err), "expected validation error, got %v", err)
		})
	}

	// No session was created for any invalid request
	assert.Equal(t, 0, env.mgr.Registry().Len())
}

func TestCreateSession_ConcurrentDuplicateID(t *testing.T) {
	env := newTestEnv(t, testConfig())

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.mgr.CreateSession(context.Background(), createRequest("dup"))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.True(t, apperrors.IsConflict(err), "expected conflict, got %v", err)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestCreateSession_CapacityCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	env := newTestEnv(t, cfg)

	_, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	_, err = env.mgr.CreateSession(context.Background(), createRequest("s2"))
	require.NoError(t, err)

	_, err = env.mgr.CreateSession(context.Background(), createRequest("s3"))
	assert.True(t, apperrors.IsCapacityExceeded(err), "expected capacity error, got %v", err)

	// A terminal transition frees a slot
	_, err = env.mgr.CancelSession(context.Background(), "s1")
	require.NoError(t, err)

	_, err = env.mgr.CreateSession(context.Background(), createRequest("s4"))
	assert.NoError(t, err)
}

func TestCreateSession_RuntimeStartFailure(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.rt.createErr = fmt.Errorf("runtime rejected run")

	_, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsRuntimeStart(err), "expected runtime start error, got %v", err)

	// The session is recorded as failed, not silently dropped
	snap, err := env.mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)

	rec, ok := env.st.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "failed", rec.Status)
}

func TestAttachStream_NoRemoteRunID(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.rt.createErr = fmt.Errorf("runtime down")

	_, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.Error(t, err)

	att, err := env.mgr.AttachStream(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer att.Close()

	var got []Event
	for ev := range att.Events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, EventStatus, got[0].Type)
	assert.Equal(t, EventError, got[1].Type)
	assert.True(t, got[1].Payload.(ErrorPayload).Fatal)
}

// waitForLastEventID polls the session's ring until it has advanced to
// wantID.
func waitForLastEventID(t *testing.T, env *testEnv, sessionID string, wantID uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, ok := env.mgr.Registry().Get(sessionID)
		if !ok {
			return false
		}
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.ring.last() >= wantID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStream_ReplayAndOrdering(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	for i := 0; i < 7; i++ {
		env.rt.emit(runID, runtime.EventOutput, OutputPayload{Stream: "stdout", Text: fmt.Sprintf("chunk-%d", i)})
	}
	waitForLastEventID(t, env, "s1", 7)

	// Resume after the 3rd event: replay must be exactly 4..7
	att, err := env.mgr.AttachStream(context.Background(), "s1", 3)
	require.NoError(t, err)
	defer att.Close()

	first := <-att.Events
	assert.Equal(t, EventStatus, first.Type)
	assert.Equal(t, uint64(0), first.ID)
	assert.Equal(t, StatusRunning, first.Payload.(StatusPayload).Status)

	var ids []uint64
	for i := 0; i < 4; i++ {
		ev := <-att.Events
		ids = append(ids, ev.ID)
		assert.Equal(t, EventOutput, ev.Type)
	}
	assert.Equal(t, []uint64{4, 5, 6, 7}, ids)

	// Run completes: live events continue the sequence with no gap
	env.rt.finishPrompt(runID, nil)

	var tail []Event
	for ev := range att.Events {
		tail = append(tail, ev)
	}
	require.NotEmpty(t, tail)

	last := ids[len(ids)-1]
	var sawComplete bool
	for _, ev := range tail {
		if ev.ID != 0 {
			require.Equal(t, last+1, ev.ID, "event ids must be strictly increasing with no gaps")
			last = ev.ID
		}
		if ev.Type == EventComplete {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete, "stream must end with a complete event")

	finalSnap, err := env.mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, finalSnap.Status)
	assert.Equal(t, 100, finalSnap.Progress)
}

func TestStream_AttachAfterTerminal(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	env.rt.finishPrompt(snap.RemoteRunID, nil)

	require.Eventually(t, func() bool {
		s, err := env.mgr.GetStatus("s1")
		return err == nil && s.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	// Attaching after termination still succeeds and yields the terminal
	// event plus a closed stream
	att, err := env.mgr.AttachStream(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer att.Close()

	var got []Event
	for ev := range att.Events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, EventStatus, got[0].Type)
	assert.Equal(t, StatusCompleted, got[0].Payload.(StatusPayload).Status)
	assert.Equal(t, EventComplete, got[len(got)-1].Type)
}

func TestStream_NewAttachReplacesPrevious(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	attA, err := env.mgr.AttachStream(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer attA.Close()
	<-attA.Events // status on attach

	attB, err := env.mgr.AttachStream(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer attB.Close()
	<-attB.Events // status on attach

	// A's stream ends once B takes over
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-attA.Events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	// B receives subsequent events
	env.rt.emit(runID, runtime.EventOutput, OutputPayload{Stream: "stdout", Text: "hello"})
	ev := <-attB.Events
	assert.Equal(t, EventOutput, ev.Type)

	env.rt.finishPrompt(runID, nil)
}

func TestStream_Heartbeats(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	env := newTestEnv(t, cfg)

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)

	att, err := env.mgr.AttachStream(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer att.Close()

	deadline := time.After(time.Second)
	heartbeats := 0
	for heartbeats < 2 {
		select {
		case ev := <-att.Events:
			if ev.Type == EventHeartbeat {
				heartbeats++
				// Heartbeats carry no replay significance
				assert.Equal(t, uint64(0), ev.ID)
			}
		case <-deadline:
			t.Fatal("timed out waiting for heartbeats")
		}
	}

	env.rt.finishPrompt(snap.RemoteRunID, nil)
}

func TestStream_SlowConsumerForcedToReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.EventBufferSize = 1000
	env := newTestEnv(t, cfg)

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	// Attach but do not consume: the burst exceeds the combined channel
	// budget between publisher and consumer.
	att, err := env.mgr.AttachStream(context.Background(), "s1", 0)
	require.NoError(t, err)
	defer att.Close()

	const burst = 600
	for i := 0; i < burst; i++ {
		env.rt.emit(runID, runtime.EventOutput, OutputPayload{Stream: "stdout", Text: fmt.Sprintf("chunk-%d", i)})
	}
	waitForLastEventID(t, env, "s1", burst)

	// The stalled attachment was closed by the publisher rather than fed a
	// gapped sequence: draining it yields a contiguous prefix, then EOF.
	var ids []uint64
	for ev := range att.Events {
		if ev.ID != 0 {
			ids = append(ids, ev.ID)
		}
	}
	require.NotEmpty(t, ids)
	for i, id := range ids {
		require.Equal(t, uint64(i+1), id, "delivered ids must be contiguous from 1")
	}
	lastSeen := ids[len(ids)-1]
	require.Less(t, lastSeen, uint64(burst), "overflow must end the attachment before the full burst")

	// Reconnecting with the last seen id replays the rest with no gap.
	att2, err := env.mgr.AttachStream(context.Background(), "s1", lastSeen)
	require.NoError(t, err)
	defer att2.Close()

	first := <-att2.Events
	assert.Equal(t, EventStatus, first.Type)

	next := lastSeen
	for next < burst {
		ev := <-att2.Events
		if ev.ID == 0 {
			continue
		}
		require.Equal(t, next+1, ev.ID, "replay must continue without gaps")
		next = ev.ID
	}

	env.rt.finishPrompt(runID, nil)
}

func TestStream_UnknownSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.mgr.AttachStream(context.Background(), "ghost", 0)
	assert.True(t, apperrors.IsNotFound(err), "expected not found, got %v", err)
}

func TestStream_ToolEventsTrackCurrentTool(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	env.rt.emit(runID, runtime.EventToolCall, ToolCallPayload{Tool: "read_file"})
	waitForLastEventID(t, env, "s1", 1)

	st, err := env.mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, "read_file", st.CurrentTool)

	env.rt.emit(runID, runtime.EventToolResult, ToolResultPayload{Tool: "read_file"})
	waitForLastEventID(t, env, "s1", 2)

	st, err = env.mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Empty(t, st.CurrentTool)

	env.rt.finishPrompt(runID, nil)
}

func TestStream_UnknownRuntimeEventIgnored(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	env.rt.emit(runID, "novel.event.kind", map[string]string{"x": "y"})
	env.rt.emit(runID, runtime.EventOutput, OutputPayload{Stream: "stdout", Text: "after"})
	waitForLastEventID(t, env, "s1", 1)

	// Only the known event reached the ring
	sess, _ := env.mgr.Registry().Get("s1")
	sess.mu.Lock()
	events := sess.ring.after(0)
	sess.mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, EventOutput, events[0].Type)

	env.rt.finishPrompt(runID, nil)
}

func TestCancelSession_Idempotent(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	got, err := env.mgr.CancelSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 1, env.rt.abortCount(runID))

	// Second cancel is a no-op error, not a second state change
	_, err = env.mgr.CancelSession(context.Background(), "s1")
	assert.True(t, apperrors.IsConflict(err), "expected conflict, got %v", err)

	final, err := env.mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)

	rec, ok := env.st.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "cancelled", rec.Status)
}

func TestCancelSession_Unknown(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.mgr.CancelSession(context.Background(), "ghost")
	assert.True(t, apperrors.IsNotFound(err), "expected not found, got %v", err)

	_, err = env.mgr.GetStatus("ghost")
	assert.True(t, apperrors.IsNotFound(err), "expected not found, got %v", err)
}

// hookedStore lets a test run code at a fixed point inside CreateSession:
// after the runtime accepted the run, before the running transition.
type hookedStore struct {
	store.SessionStore
	onUpdateRemoteRunID func()
}

func (h *hookedStore) UpdateRemoteRunID(ctx context.Context, sessionID, remoteRunID string) error {
	if h.onUpdateRemoteRunID != nil {
		h.onUpdateRemoteRunID()
	}
	return h.SessionStore.UpdateRemoteRunID(ctx, sessionID, remoteRunID)
}

func TestCreateSession_CancelAfterRunAccepted(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	rt := newFakeRuntime()
	st := &hookedStore{SessionStore: store.NewMemoryStore()}
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	mgr := NewManager(testConfig(), st, rt, eventBus, log)
	// Settle the session between CreateRun returning and the running
	// transition. Creation must report the conflict, not a started session.
	st.onUpdateRemoteRunID = func() {
		mgr.Shutdown(context.Background())
	}

	_, err = mgr.CreateSession(context.Background(), createRequest("s1"))
	assert.True(t, apperrors.IsConflict(err), "expected conflict, got %v", err)

	final, err := mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.GreaterOrEqual(t, rt.abortCount("run-1"), 1)
}

func TestTimeout_FailsWithTimeoutError(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	env := newTestEnv(t, cfg)

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	require.Eventually(t, func() bool {
		s, err := env.mgr.GetStatus("s1")
		return err == nil && s.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	final, err := env.mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", final.Error)

	rec, ok := env.st.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "timeout", rec.Error)

	// Timeout also aborts the remote run
	require.Eventually(t, func() bool {
		return env.rt.abortCount(runID) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRuntimeFatalError_FailsSession(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	env.rt.finishPrompt(snap.RemoteRunID, fmt.Errorf("provider exploded"))

	require.Eventually(t, func() bool {
		s, err := env.mgr.GetStatus("s1")
		return err == nil && s.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	final, _ := env.mgr.GetStatus("s1")
	assert.Contains(t, final.Error, "provider exploded")
}

func TestWaitingInput_PassThrough(t *testing.T) {
	env := newTestEnv(t, testConfig())

	snap, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)
	runID := snap.RemoteRunID

	env.rt.emit(runID, runtime.EventStatus, map[string]string{"status": "waiting_input"})
	require.Eventually(t, func() bool {
		s, err := env.mgr.GetStatus("s1")
		return err == nil && s.Status == StatusWaitingInput
	}, 2*time.Second, 5*time.Millisecond)

	env.rt.emit(runID, runtime.EventStatus, map[string]string{"status": "running"})
	require.Eventually(t, func() bool {
		s, err := env.mgr.GetStatus("s1")
		return err == nil && s.Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	env.rt.finishPrompt(runID, nil)
}

func TestShutdown_CancelsNonTerminalSessions(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.mgr.CreateSession(context.Background(), createRequest("s1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.mgr.Shutdown(ctx)

	snap, err := env.mgr.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.mgr.CreateSession(context.Background(), createRequest("a"))
	require.NoError(t, err)
	_, err = env.mgr.CreateSession(context.Background(), createRequest("b"))
	require.NoError(t, err)

	snaps := env.mgr.ListSessions()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].SessionID)
	assert.Equal(t, "b", snaps[1].SessionID)

	env.rt.finishPrompt("run-1", nil)
	env.rt.finishPrompt("run-2", nil)
}
