/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package txmsg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blnkfinance/flashsale/internal/clock"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	fail      bool
}

func (p *fakePublisher) Publish(_ context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.published = append(p.published, msg.ID)
	return nil
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

type fakeChecker struct {
	mu        sync.Mutex
	state     State
	err       error
	discarded []string
}

func (c *fakeChecker) CheckLocal(context.Context, *Message) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

func (c *fakeChecker) Discarded(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded = append(c.discarded, msg.ID)
	return nil
}

type fixture struct {
	mr          *miniredis.Miniredis
	store       *RedisStore
	publisher   *fakePublisher
	checker     *fakeChecker
	clock       *clock.Manual
	coordinator *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:        mr,
		store:     NewRedisStore(client),
		publisher: &fakePublisher{},
		checker:   &fakeChecker{state: Unknown},
		clock:     clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.coordinator = NewCoordinator(f.store, f.publisher, f.checker, Options{
		CheckInterval: 10 * time.Second,
		MaxChecks:     3,
		PublishRetry:  50 * time.Millisecond,
		Clock:         f.clock,
	})
	return f
}

func newMessage(id string) *Message {
	return &Message{ID: id, Topic: "purchase", Body: []byte(`{"orderId":1}`)}
}

func localReturning(state State, err error) LocalFunc {
	return func(context.Context, *Message) (State, error) { return state, err }
}

func TestSendCommitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.coordinator.Send(ctx, newMessage("m1"), localReturning(Committed, nil))
	require.NoError(t, err)
	assert.Equal(t, Committed, state)
	assert.Equal(t, []string{"m1"}, f.publisher.ids())

	_, err = f.store.Get(ctx, "m1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSendHalfMessageIsInvisibleDuringLocalExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.Send(ctx, newMessage("m1"), func(ctx context.Context, msg *Message) (State, error) {
		assert.Empty(t, f.publisher.ids())
		half, err := f.store.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, `{"orderId":1}`, string(half.Body))
		return Committed, nil
	})
	require.NoError(t, err)
}

func TestSendRolledBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.coordinator.Send(ctx, newMessage("m1"), localReturning(RolledBack, nil))
	require.NoError(t, err)
	assert.Equal(t, RolledBack, state)
	assert.Empty(t, f.publisher.ids())
	assert.Empty(t, f.checker.discarded)

	_, err = f.store.Get(ctx, "m1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSendLocalFailureLeavesHalfMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.coordinator.Send(ctx, newMessage("m1"), localReturning(Unknown, errors.New("cache timeout")))
	assert.Error(t, err)
	assert.Equal(t, Unknown, state)
	assert.Empty(t, f.publisher.ids())

	half, err := f.store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, half.Checks)
}

func TestSendBrokerUnavailableSkipsLocal(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	called := false
	state, err := f.coordinator.Send(context.Background(), newMessage("m1"), func(context.Context, *Message) (State, error) {
		called = true
		return Committed, nil
	})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, Unknown, state)
	assert.False(t, called)
}

func TestSendInvalidMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.Send(context.Background(), &Message{Topic: "purchase"}, localReturning(Committed, nil))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestPublishFailureResolvedByCheckBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publisher.fail = true

	state, err := f.coordinator.Send(ctx, newMessage("m1"), localReturning(Committed, nil))
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, Unknown, state)

	pending, err := f.coordinator.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "not due before the check interval")

	f.clock.Advance(11 * time.Second)
	f.publisher.fail = false
	f.checker.state = Committed

	pending, err = f.coordinator.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	state, err = f.coordinator.CheckBack(ctx, pending[0])
	require.NoError(t, err)
	assert.Equal(t, Committed, state)
	assert.Equal(t, []string{"m1"}, f.publisher.ids())

	_, err = f.store.Get(ctx, "m1")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestCheckBackRolledBackCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.coordinator.Send(ctx, newMessage("m1"), localReturning(Unknown, errors.New("timeout")))
	f.clock.Advance(11 * time.Second)
	f.checker.state = RolledBack

	pending, err := f.coordinator.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	state, err := f.coordinator.CheckBack(ctx, pending[0])
	require.NoError(t, err)
	assert.Equal(t, RolledBack, state)
	assert.Equal(t, []string{"m1"}, f.checker.discarded)
	assert.Empty(t, f.publisher.ids())
}

func TestCheckBackInconclusiveUntilExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checker.err = errors.New("cache unreachable")

	_, _ = f.coordinator.Send(ctx, newMessage("m1"), localReturning(Unknown, nil))

	for i := 1; i <= 3; i++ {
		f.clock.Advance(11 * time.Second)
		pending, err := f.coordinator.Pending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		state, err := f.coordinator.CheckBack(ctx, pending[0])
		assert.Error(t, err)
		assert.Equal(t, Unknown, state)

		half, err := f.store.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, i, half.Checks)
	}

	f.clock.Advance(11 * time.Second)
	pending, err := f.coordinator.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	state, err := f.coordinator.CheckBack(ctx, pending[0])
	require.NoError(t, err)
	assert.Equal(t, RolledBack, state)
	assert.Equal(t, []string{"m1"}, f.checker.discarded)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.coordinator.Send(ctx, newMessage("m1"), localReturning(Unknown, nil))
	_, _ = f.coordinator.Send(ctx, newMessage("m2"), localReturning(Unknown, nil))

	require.NoError(t, f.coordinator.Resolve(ctx, "m1", Committed))
	require.NoError(t, f.coordinator.Resolve(ctx, "m2", RolledBack))
	assert.Error(t, f.coordinator.Resolve(ctx, "m3", Committed))

	assert.Equal(t, []string{"m1"}, f.publisher.ids())
	assert.Equal(t, []string{"m2"}, f.checker.discarded)
}

func TestCheckBackProcessorRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		_, _ = f.coordinator.Send(ctx, newMessage(id), localReturning(Unknown, nil))
	}
	f.clock.Advance(11 * time.Second)
	f.checker.state = Committed

	p := NewCheckBackProcessor(f.coordinator, nil, CheckBackOptions{MaxWorkers: 2, BatchSize: 10})
	assert.Equal(t, 3, p.RunOnce(ctx))
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, f.publisher.ids())
	assert.Equal(t, 0, p.RunOnce(ctx))
}

func TestCheckBackProcessorStartStop(t *testing.T) {
	f := newFixture(t)
	p := NewCheckBackProcessor(f.coordinator, nil, CheckBackOptions{PollInterval: time.Hour})

	p.Start(context.Background())
	assert.True(t, p.IsRunning())
	p.Start(context.Background())
	p.Stop()
	assert.False(t, p.IsRunning())
	p.Stop()
}

// failingHook fails one redis command while down is set.
type failingHook struct {
	command string
	down    atomic.Bool
}

func (h *failingHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.down.Load() && cmd.Name() == h.command {
			err := errors.New("connection reset by peer")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *failingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestDueKeepsMessageAfterReadFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	hook := &failingHook{command: "hgetall"}
	client.AddHook(hook)

	store := NewRedisStore(client)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Prepare(ctx, &Message{ID: "purchase:1", Topic: "purchase", Body: []byte(`{}`), CreatedAt: created}))

	hook.down.Store(true)
	msgs, err := store.Due(ctx, created.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	hook.down.Store(false)
	msgs, err = store.Due(ctx, created.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "purchase:1", msgs[0].ID)
}

func TestDueKeepsUndecodableMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.clock.Now()
	require.NoError(t, f.store.Prepare(ctx, &Message{ID: "m1", Topic: "purchase", CreatedAt: created}))
	f.mr.HSet(halfKey("m1"), "checks", "not-a-number")

	msgs, err := f.store.Due(ctx, created.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	score, err := f.mr.ZScore(halfIndexKey, "m1")
	require.NoError(t, err)
	assert.Equal(t, float64(created.UnixMilli()), score)
}

func TestDueDropsIndexEntryOfDeletedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.clock.Now()
	require.NoError(t, f.store.Prepare(ctx, &Message{ID: "m1", Topic: "purchase", CreatedAt: created}))
	f.mr.Del(halfKey("m1"))

	msgs, err := f.store.Due(ctx, created.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, f.mr.Exists(halfIndexKey))
}

func TestHalfMessageHasNoExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Prepare(ctx, &Message{ID: "m1", Topic: "purchase", CreatedAt: f.clock.Now()}))
	_, err := f.store.MarkChecked(ctx, "m1", f.clock.Now())
	require.NoError(t, err)

	assert.Zero(t, f.mr.TTL(halfKey("m1")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "COMMITTED", Committed.String())
	assert.True(t, RolledBack.Final())
	assert.False(t, Unknown.Final())
	assert.False(t, Opened.Final())
}
