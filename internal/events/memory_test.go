package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx := context.Background()

	all, err := bus.Subscribe(nil)
	require.NoError(t, err)
	defer all.Close()

	approvals, err := bus.Subscribe(All(ForExecution("exec-1"), OfType(ApprovalRequested, ApprovalGranted)))
	require.NoError(t, err)
	defer approvals.Close()

	require.NoError(t, bus.Publish(ctx, Event{Type: StepStarted, ExecutionID: "exec-1", StepID: "A"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: ApprovalRequested, ExecutionID: "exec-2", ApprovalID: "x"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: ApprovalRequested, ExecutionID: "exec-1", ApprovalID: "ap-1"}))

	first := receive(t, all)
	assert.Equal(t, StepStarted, first.Type)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())

	got := receive(t, approvals)
	assert.Equal(t, "ap-1", got.ApprovalID)
	select {
	case e := <-approvals.C:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestMemoryBus_DropsWhenFull(t *testing.T) {
	bus := NewMemoryBus(2)
	sub, err := bus.Subscribe(nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: StepCompleted}))
	}
	assert.Equal(t, uint64(3), bus.Dropped())
	assert.Len(t, sub.C, 2)
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(0)
	sub, err := bus.Subscribe(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())

	_, open := <-sub.C
	assert.False(t, open)
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: StepStarted}))
}

func TestMemoryBus_ConcurrentPublishAndClose(t *testing.T) {
	bus := NewMemoryBus(4)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = bus.Publish(context.Background(), Event{Type: StepStarted})
			}
		}()
		go func() {
			defer wg.Done()
			sub, err := bus.Subscribe(nil)
			if err == nil {
				sub.Close()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Subscribers())
}

type mockBus struct {
	mock.Mock
}

func (m *mockBus) Publish(ctx context.Context, e Event) error {
	return m.Called(ctx, e).Error(0)
}

func TestMulti(t *testing.T) {
	ok := &mockBus{}
	failing := &mockBus{}
	ok.On("Publish", mock.Anything, mock.MatchedBy(func(e Event) bool { return e.ID != "" })).Return(nil)
	failing.On("Publish", mock.Anything, mock.Anything).Return(errors.New("down"))

	err := Multi(ok, nil, failing).Publish(context.Background(), Event{Type: ExecutionStarted})
	assert.ErrorContains(t, err, "down")
	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
