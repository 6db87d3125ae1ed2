package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nestoz/vibecheck-agent/internal/config"
	"github.com/nestoz/vibecheck-agent/internal/executor"
	"github.com/nestoz/vibecheck-agent/internal/protocol"
	"github.com/nestoz/vibecheck-agent/internal/scheduler"
	"github.com/nestoz/vibecheck-agent/internal/security"
	"github.com/nestoz/vibecheck-agent/internal/session"
	"github.com/nestoz/vibecheck-agent/internal/workspace"
)

// recorder captures outbound frames.
type recorder struct {
	mu       sync.Mutex
	messages []protocol.Message
	notify   chan protocol.Message
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan protocol.Message, 64)}
}

func (r *recorder) send(m protocol.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
	r.notify <- m
}

func (r *recorder) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-r.notify:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (r *recorder) all() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// fakeExecutor scripts Execute/Interrupt behavior per test.
type fakeExecutor struct {
	mu          sync.Mutex
	requests    []executor.Request
	execFn      func(ctx context.Context, req executor.Request) (*executor.Result, error)
	interruptFn func() bool
	sessionID   string
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.execFn != nil {
		return f.execFn(ctx, req)
	}
	return &executor.Result{Text: "ok"}, nil
}

func (f *fakeExecutor) Interrupt() bool {
	if f.interruptFn != nil {
		return f.interruptFn()
	}
	return false
}

func (f *fakeExecutor) SessionID() string      { return f.sessionID }
func (f *fakeExecutor) AdoptSessionID(id string) { f.sessionID = id }

func (f *fakeExecutor) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestAgent(t *testing.T) (*Agent, *recorder, *fakeExecutor) {
	t.Helper()

	cfg := &config.Config{
		APIKey:    "test-key",
		WorkDir:   t.TempDir(),
		ServerURL: "ws://localhost:0/ws/agent",
	}

	rec := newRecorder()
	fake := &fakeExecutor{}

	a := &Agent{cfg: cfg, ctx: context.Background()}
	a.send = rec.send
	a.executor = fake
	a.store = session.NewStore(t.TempDir(), cfg.WorkDir)
	a.mediator = security.NewMediator(cfg.WorkDir, func(m protocol.Message) { a.send(m) })
	a.sched = scheduler.New(t.TempDir(), a.handleTaskFire)
	a.observer = workspace.NewObserver(cfg.WorkDir)

	t.Cleanup(func() {
		a.sched.Stop()
		a.observer.Stop()
	})

	return a, rec, fake
}

func TestHandleQuerySimple(t *testing.T) {
	a, rec, fake := newTestAgent(t)

	cost := 0.001
	turns := 1
	fake.execFn = func(_ context.Context, _ executor.Request) (*executor.Result, error) {
		return &executor.Result{Text: "hi", CostUSD: &cost, NumTurns: &turns}, nil
	}

	a.handleQuery(&protocol.Query{Type: protocol.TypeQuery, Message: "hello"})

	resp := rec.next(t).(*protocol.Response)
	require.Equal(t, "hi", resp.Result)
	require.Equal(t, 0.001, *resp.CostUSD)
	require.Equal(t, 1, *resp.NumTurns)
	require.Nil(t, resp.Images)

	require.False(t, a.processing.Load())
}

func TestHandleQueryPassesThroughFields(t *testing.T) {
	a, _, fake := newTestAgent(t)

	a.handleQuery(&protocol.Query{
		Type:         protocol.TypeQuery,
		Message:      "review",
		Model:        "claude-opus-4-5",
		SkillID:      "code-review",
		SystemPrompt: "Be brief.",
	})

	require.Equal(t, 1, fake.requestCount())
	req := fake.requests[0]
	require.Equal(t, "review", req.Message)
	require.Equal(t, "claude-opus-4-5", req.Model)
	require.NotNil(t, req.Skill)
	require.Equal(t, "code-review", req.Skill.ID)
	require.Equal(t, "Be brief.", req.SystemPrompt)
}

func TestHandleQueryBusyOverlap(t *testing.T) {
	a, rec, fake := newTestAgent(t)

	release := make(chan struct{})
	fake.execFn = func(_ context.Context, _ executor.Request) (*executor.Result, error) {
		<-release
		return &executor.Result{Text: "first"}, nil
	}

	go a.handleQuery(&protocol.Query{Type: protocol.TypeQuery, Message: "long"})

	require.Eventually(t, func() bool { return a.processing.Load() }, time.Second, time.Millisecond)

	// Second query while busy: canned response, executor untouched.
	a.handleQuery(&protocol.Query{Type: protocol.TypeQuery, Message: "second"})

	busy := rec.next(t).(*protocol.Response)
	require.Equal(t, busyMessage, busy.Result)
	require.Equal(t, 1, fake.requestCount())

	close(release)
	first := rec.next(t).(*protocol.Response)
	require.Equal(t, "first", first.Result)
}

func TestHandleInterruptSendsSingleResponse(t *testing.T) {
	a, rec, fake := newTestAgent(t)

	interrupted := make(chan struct{})
	fake.execFn = func(_ context.Context, _ executor.Request) (*executor.Result, error) {
		<-interrupted
		return nil, executor.ErrAborted
	}
	fake.interruptFn = func() bool {
		close(interrupted)
		return true
	}

	done := make(chan struct{})
	go func() {
		a.handleQuery(&protocol.Query{Type: protocol.TypeQuery, Message: "long"})
		close(done)
	}()

	require.Eventually(t, func() bool { return a.processing.Load() }, time.Second, time.Millisecond)

	a.handleInterrupt()
	<-done

	// Exactly one response: the interrupt handler's. handleQuery stays
	// silent on abort.
	resp := rec.next(t).(*protocol.Response)
	require.Equal(t, interruptedMessage, resp.Result)

	time.Sleep(50 * time.Millisecond)
	require.Len(t, rec.all(), 1)
}

func TestHandleInterruptNoopWhenIdle(t *testing.T) {
	a, rec, _ := newTestAgent(t)

	a.handleInterrupt()

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.all())
}

func TestHandleQueryErrorResponse(t *testing.T) {
	a, rec, fake := newTestAgent(t)

	fake.execFn = func(_ context.Context, _ executor.Request) (*executor.Result, error) {
		return nil, errors.New("claude: binary not found")
	}

	a.handleQuery(&protocol.Query{Type: protocol.TypeQuery, Message: "hello"})

	resp := rec.next(t).(*protocol.Response)
	require.Equal(t, executor.ErrorPrefix+"claude: binary not found", resp.Result)
	require.False(t, a.processing.Load())
}

func TestScheduledTaskWhileBusyIsQueuedThenDrained(t *testing.T) {
	a, rec, fake := newTestAgent(t)

	release := make(chan struct{})
	fake.execFn = func(_ context.Context, req executor.Request) (*executor.Result, error) {
		if req.Message == "long" {
			<-release
		}
		return &executor.Result{Text: "done: " + req.Message}, nil
	}

	go a.handleQuery(&protocol.Query{Type: protocol.TypeQuery, Message: "long"})
	require.Eventually(t, func() bool { return a.processing.Load() }, time.Second, time.Millisecond)

	// Cron fires while the query is in flight: the task must queue, not run.
	// The task value is built directly so no real cron job is armed mid-test.
	task := protocol.ScheduledTask{ID: "t1", Cron: "* * * * *", Message: "ping", Enabled: true}
	a.handleTaskFire(task)
	require.Equal(t, 1, fake.requestCount())

	close(release)

	first := rec.next(t).(*protocol.Response)
	require.Equal(t, "done: long", first.Result)

	// The drain runs the queued task and prefixes its response.
	second := rec.next(t).(*protocol.Response)
	require.Equal(t, "⏰ [* * * * *] done: ping", second.Result)

	require.Eventually(t, func() bool { return !a.processing.Load() }, time.Second, time.Millisecond)
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	require.Empty(t, a.pendingTasks)
}

func TestScheduledTaskRecordsResult(t *testing.T) {
	a, rec, fake := newTestAgent(t)

	fake.execFn = func(_ context.Context, _ executor.Request) (*executor.Result, error) {
		return &executor.Result{Text: "summary of the day"}, nil
	}

	task, err := a.sched.AddTask("0 9 * * 1-5", "summarize", "")
	require.NoError(t, err)

	a.handleTaskFire(*task)
	rec.next(t)

	require.Equal(t, "summary of the day", a.sched.Tasks()[0].LastResult)
}

func TestHandleFrameToleratesGarbage(t *testing.T) {
	a, rec, _ := newTestAgent(t)

	a.handleFrame([]byte("{not json"))
	a.handleFrame([]byte(`{"type":"some_future_thing","x":1}`))

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.all())
}

func TestHandleFramePingPong(t *testing.T) {
	a, rec, _ := newTestAgent(t)

	a.handleFrame([]byte(`{"type":"ping"}`))
	require.IsType(t, &protocol.Pong{}, rec.next(t))

	// Inbound pong is silent.
	a.handleFrame([]byte(`{"type":"pong"}`))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, rec.all(), 1)
}

func TestHandleFrameScheduleAddResponses(t *testing.T) {
	a, rec, _ := newTestAgent(t)

	a.handleFrame([]byte(`{"type":"schedule_add","cron":"every day","message":"ping"}`))
	bad := rec.next(t).(*protocol.ScheduleAddResponse)
	require.False(t, bad.Success)
	require.NotEmpty(t, bad.Error)
	require.Nil(t, bad.Task)

	a.handleFrame([]byte(`{"type":"schedule_add","cron":"0 9 * * 1-5","message":"standup"}`))
	ok := rec.next(t).(*protocol.ScheduleAddResponse)
	require.True(t, ok.Success)
	require.Equal(t, "0 9 * * 1-5", ok.Task.Cron)

	a.handleFrame([]byte(`{"type":"schedule_list"}`))
	list := rec.next(t).(*protocol.ScheduleListResponse)
	require.Len(t, list.Tasks, 1)
}

func TestHandleFrameSkillList(t *testing.T) {
	a, rec, _ := newTestAgent(t)

	a.handleFrame([]byte(`{"type":"skill_list"}`))
	resp := rec.next(t).(*protocol.SkillListResponse)
	require.NotEmpty(t, resp.Skills)
}

func TestSessionInfoAdoption(t *testing.T) {
	a, _, fake := newTestAgent(t)

	// Agent-sourced ids and nulls are ignored.
	a.handleFrame([]byte(`{"type":"session_info","session_id":null,"source":"server"}`))
	require.Empty(t, fake.sessionID)
	a.handleFrame([]byte(`{"type":"session_info","session_id":"x","source":"agent"}`))
	require.Empty(t, fake.sessionID)

	a.handleFrame([]byte(`{"type":"session_info","session_id":"srv-1","source":"server"}`))
	require.Equal(t, "srv-1", fake.sessionID)

	// An agent that already has a session keeps it.
	a.handleFrame([]byte(`{"type":"session_info","session_id":"srv-2","source":"server"}`))
	require.Equal(t, "srv-1", fake.sessionID)
}

func TestAddTrustedPathHandler(t *testing.T) {
	a, _, _ := newTestAgent(t)

	a.handleFrame([]byte(`{"type":"add_trusted_path","path":"/outside"}`))

	// A write under the newly trusted path no longer requires approval:
	// verify via the mediator directly.
	allowed, _ := a.mediator.CanUseTool(context.Background(), "Write",
		[]byte(`{"file_path":"/outside/report.txt"}`))
	require.True(t, allowed)
}

func TestApprovalFrameResolvesMediator(t *testing.T) {
	a, rec, _ := newTestAgent(t)

	result := make(chan bool, 1)
	go func() {
		allowed, _ := a.mediator.CanUseTool(context.Background(), "Write",
			[]byte(`{"file_path":"/outside/x.txt"}`))
		result <- allowed
	}()

	req := rec.next(t).(*protocol.ApprovalRequired)
	require.Equal(t, []string{"/outside/x.txt"}, req.Paths)

	a.handleFrame([]byte(`{"type":"approval","approved":true,"permanent":true}`))
	require.True(t, <-result)

	// S2: the extracted path itself is now trusted.
	allowed, _ := a.mediator.CanUseTool(context.Background(), "Write",
		[]byte(`{"file_path":"/outside/x.txt"}`))
	require.True(t, allowed)
}

func TestContainsScreenshotKeyword(t *testing.T) {
	tests := []struct {
		message string
		want    bool
	}{
		{"take a Screenshot of the app", true},
		{"show me the UI preview", true},
		{"스크린샷 찍어줘", true},
		{"화면 보여줘", true},
		{"fix the bug in parser.go", false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, containsScreenshotKeyword(tt.message), tt.message)
	}
}

func TestCollectImagesFallsBackToResponseScan(t *testing.T) {
	a, _, _ := newTestAgent(t)

	before := a.snapshotImages()
	images := a.collectImages("no keyword here", before, "nothing image-like")
	require.Empty(t, images)
}
