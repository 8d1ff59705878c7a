package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	m     *Manager
	bus   *events.MemoryBus
	sub   *events.Subscription
	clock *fakeClock
	log   *logging.TestLogger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	bus := events.NewMemoryBus(64)
	sub, err := bus.Subscribe(nil)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	tl := logging.NewTestLogger()
	base := []Option{WithBus(bus), WithClock(clock.Now), WithLogger(tl.Logger), WithMetrics(NewMetrics())}
	return &fixture{
		m:     NewManager(append(base, opts...)...),
		bus:   bus,
		sub:   sub,
		clock: clock,
		log:   tl,
	}
}

func (f *fixture) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-f.sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return events.Event{}
	}
}

func TestManager_RequestAndApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.m.Request(ctx, "exec-1", "deploy", workflow.ApprovalConfig{TimeoutSeconds: 60, Priority: workflow.PriorityHigh})
	require.NoError(t, err)

	req, err := f.m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, time.Minute, req.Timeout)
	assert.Equal(t, 60, req.TimeoutSeconds)
	assert.Equal(t, workflow.PriorityHigh, req.Priority)

	evt := f.next(t)
	assert.Equal(t, events.ApprovalRequested, evt.Type)
	assert.Equal(t, id, evt.ApprovalID)
	assert.Equal(t, "deploy", evt.StepID)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.m.Approve(ctx, id, "alice", "lgtm"))

	req, err = f.m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, "alice", req.DecidedBy)
	assert.Equal(t, "lgtm", req.Comment)
	assert.Equal(t, f.clock.Now(), req.DecidedAt)
	assert.NoError(t, req.Err())

	evt = f.next(t)
	assert.Equal(t, events.ApprovalGranted, evt.Type)
	assert.Equal(t, "alice", evt.Data["decided_by"])
	f.log.AssertField(t, "approval decided", "decided_by", "alice")
}

func TestManager_Reject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.m.Request(ctx, "exec-1", "B", workflow.ApprovalConfig{})
	require.NoError(t, err)
	f.next(t)

	require.NoError(t, f.m.Reject(ctx, id, "bob", "not today"))
	assert.Equal(t, events.ApprovalRejected, f.next(t).Type)

	req, _ := f.m.Get(id)
	var rejected *RejectedError
	require.True(t, errors.As(req.Err(), &rejected))
	assert.Equal(t, "bob", rejected.DecidedBy)
	assert.Contains(t, rejected.Error(), "not today")
}

func TestManager_DefaultTimeout(t *testing.T) {
	f := newFixture(t, WithDefaultTimeout(90*time.Second))
	id, err := f.m.Request(context.Background(), "e", "s", workflow.ApprovalConfig{})
	require.NoError(t, err)
	req, _ := f.m.Get(id)
	assert.Equal(t, 90*time.Second, req.Timeout)
	assert.Equal(t, workflow.PriorityNormal, req.Priority)
}

func TestManager_RequestValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Request(context.Background(), "", "s", workflow.ApprovalConfig{})
	assert.Error(t, err)
	_, err = f.m.Request(context.Background(), "e", "", workflow.ApprovalConfig{})
	assert.Error(t, err)
}

func TestManager_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		var nf *NotFoundError
		require.True(t, errors.As(f.m.Approve(ctx, "missing", "alice", ""), &nf))
		assert.Equal(t, "missing", nf.ID)

		_, err := f.m.Get("missing")
		assert.True(t, errors.As(err, &nf))
		_, err = f.m.Wait(ctx, "missing")
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("decide once", func(t *testing.T) {
		id, err := f.m.Request(ctx, "e", "s", workflow.ApprovalConfig{})
		require.NoError(t, err)
		require.NoError(t, f.m.Approve(ctx, id, "alice", ""))

		var decided *AlreadyDecidedError
		require.True(t, errors.As(f.m.Reject(ctx, id, "bob", ""), &decided))
		assert.Equal(t, StatusApproved, decided.Status)
		assert.Equal(t, "alice", decided.DecidedBy)
		assert.True(t, IsDecided(f.m.Approve(ctx, id, "alice", "")))

		req, _ := f.m.Get(id)
		assert.Equal(t, StatusApproved, req.Status, "status unchanged by second decision")
	})

	t.Run("unauthorized approver", func(t *testing.T) {
		id, err := f.m.Request(ctx, "e", "s", workflow.ApprovalConfig{RequiredApprovers: []string{"alice", "carol"}})
		require.NoError(t, err)

		var unauthorized *UnauthorizedError
		require.True(t, errors.As(f.m.Approve(ctx, id, "mallory", ""), &unauthorized))
		assert.Equal(t, []string{"alice", "carol"}, unauthorized.Required)
		f.log.AssertLogged(t, zapcore.WarnLevel, "unauthorized approver")

		req, _ := f.m.Get(id)
		assert.Equal(t, StatusPending, req.Status)

		require.NoError(t, f.m.Approve(ctx, id, "carol", ""))
	})

	t.Run("empty approver", func(t *testing.T) {
		id, err := f.m.Request(ctx, "e", "s", workflow.ApprovalConfig{})
		require.NoError(t, err)
		var unauthorized *UnauthorizedError
		assert.True(t, errors.As(f.m.Approve(ctx, id, "", ""), &unauthorized))
	})
}

func TestManager_YOLO(t *testing.T) {
	f := newFixture(t, WithYOLO(true))
	assert.True(t, f.m.YOLO())

	id, err := f.m.Request(context.Background(), "exec", "gate", workflow.ApprovalConfig{RequiredApprovers: []string{"alice"}})
	require.NoError(t, err)

	req, err := f.m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, DecidedByYOLO, req.DecidedBy)

	evt := f.next(t)
	assert.Equal(t, events.ApprovalGranted, evt.Type, "never publishes approval_requested")

	got, err := f.m.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	f.m.SetYOLO(false)
	id, err = f.m.Request(context.Background(), "exec", "gate2", workflow.ApprovalConfig{})
	require.NoError(t, err)
	req, _ = f.m.Get(id)
	assert.Equal(t, StatusPending, req.Status)
}

func TestManager_Withdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.m.Request(ctx, "e", "s", workflow.ApprovalConfig{RequiredApprovers: []string{"alice"}})
	require.NoError(t, err)

	require.NoError(t, f.m.Withdraw(ctx, id, "execution cancelled"))
	req, _ := f.m.Get(id)
	assert.Equal(t, StatusRejected, req.Status)
	assert.Equal(t, DecidedByCancel, req.DecidedBy)
	assert.True(t, IsDecided(f.m.Withdraw(ctx, id, "again")))
}

func TestManager_Wait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.m.Request(ctx, "e", "s", workflow.ApprovalConfig{})
	require.NoError(t, err)

	result := make(chan Request, 1)
	go func() {
		req, err := f.m.Wait(ctx, id)
		if err == nil {
			result <- req
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.m.Approve(ctx, id, "alice", ""))

	select {
	case req := <-result:
		assert.Equal(t, StatusApproved, req.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after approval")
	}

	t.Run("context cancelled", func(t *testing.T) {
		id, err := f.m.Request(ctx, "e", "s2", workflow.ApprovalConfig{})
		require.NoError(t, err)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = f.m.Wait(cctx, id)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestManager_WaitTimesOutWithoutSweep(t *testing.T) {
	bus := events.NewMemoryBus(8)
	sub, err := bus.Subscribe(events.OfType(events.ApprovalTimedOut))
	require.NoError(t, err)
	defer sub.Close()

	m := NewManager(WithBus(bus), WithSweepInterval(time.Hour))
	ctx := context.Background()
	id, err := m.Request(ctx, "exec", "gate", workflow.ApprovalConfig{TimeoutSeconds: 1})
	require.NoError(t, err)

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := m.Wait(waitCtx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusTimedOut, req.Status)
	assert.Equal(t, DecidedByTimeout, req.DecidedBy)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case e := <-sub.C:
		assert.Equal(t, id, e.ApprovalID)
	case <-time.After(time.Second):
		t.Fatal("no timed out event")
	}
	assert.Zero(t, m.Sweep(ctx), "timeout transition happens once")
}

func TestManager_WaitDecidedBeforeDeadline(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	id, err := m.Request(ctx, "exec", "gate", workflow.ApprovalConfig{TimeoutSeconds: 1})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = m.Approve(ctx, id, "alice", "")
	}()

	req, err := m.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, req.Status)

	time.Sleep(1100 * time.Millisecond)
	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestManager_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short, err := f.m.Request(ctx, "e", "short", workflow.ApprovalConfig{TimeoutSeconds: 1})
	require.NoError(t, err)
	long, err := f.m.Request(ctx, "e", "long", workflow.ApprovalConfig{TimeoutSeconds: 60})
	require.NoError(t, err)
	f.next(t)
	f.next(t)

	f.clock.Advance(500 * time.Millisecond)
	assert.Zero(t, f.m.Sweep(ctx))

	f.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, f.m.Sweep(ctx))
	assert.Zero(t, f.m.Sweep(ctx), "timeout transition happens once")

	req, _ := f.m.Get(short)
	assert.Equal(t, StatusTimedOut, req.Status)
	assert.Equal(t, DecidedByTimeout, req.DecidedBy)
	var timeout *TimeoutError
	require.True(t, errors.As(req.Err(), &timeout))
	assert.Equal(t, "short", timeout.StepID)

	evt := f.next(t)
	assert.Equal(t, events.ApprovalTimedOut, evt.Type)
	assert.Equal(t, short, evt.ApprovalID)

	var decided *AlreadyDecidedError
	assert.True(t, errors.As(f.m.Approve(ctx, short, "alice", ""), &decided))

	req, _ = f.m.Get(long)
	assert.Equal(t, StatusPending, req.Status)
}

// TestManager_DecideOnceUnderContention races approvers, rejecters and the
// sweeper on the same requests; exactly one transition may win each.
func TestManager_DecideOnceUnderContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		id, err := f.m.Request(ctx, "e", "s", workflow.ApprovalConfig{TimeoutSeconds: 1})
		require.NoError(t, err)
		f.clock.Advance(2 * time.Second)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(3)
			go func() {
				defer wg.Done()
				if f.m.Approve(ctx, id, "alice", "") == nil {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if f.m.Reject(ctx, id, "bob", "") == nil {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				wins.Add(int32(f.m.Sweep(ctx)))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load(), "round %d", round)
	}
}

func TestManager_Run(t *testing.T) {
	bus := events.NewMemoryBus(8)
	sub, err := bus.Subscribe(events.OfType(events.ApprovalTimedOut))
	require.NoError(t, err)
	defer sub.Close()

	m := NewManager(WithBus(bus), WithSweepInterval(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	id, err := m.Request(ctx, "exec", "gate", workflow.ApprovalConfig{TimeoutSeconds: 1})
	require.NoError(t, err)

	select {
	case e := <-sub.C:
		assert.Equal(t, id, e.ApprovalID)
	case <-time.After(3 * time.Second):
		t.Fatal("request did not time out")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestManager_ListAndForget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.m.Request(ctx, "e1", "a", workflow.ApprovalConfig{})
	f.clock.Advance(time.Second)
	b, _ := f.m.Request(ctx, "e1", "b", workflow.ApprovalConfig{})
	f.clock.Advance(time.Second)
	_, _ = f.m.Request(ctx, "e2", "c", workflow.ApprovalConfig{})
	require.NoError(t, f.m.Approve(ctx, a, "alice", ""))

	all := f.m.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].StepID)

	pending := f.m.List(Filter{Status: StatusPending, ExecutionID: "e1"})
	require.Len(t, pending, 1)
	assert.Equal(t, b, pending[0].ID)

	assert.Equal(t, 1, f.m.Forget("e1"))
	assert.Len(t, f.m.List(Filter{}), 2)
}
