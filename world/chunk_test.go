package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const drainTimeout = 3 * time.Second

func mustChange(t testing.TB, c UserChange) WorldChange {
	t.Helper()
	wc, err := NewWorldChange(c)
	require.NoError(t, err)
	return wc
}

func position(t testing.TB, id string, x, y float64) WorldChange {
	return mustChange(t, PositionChange{ID: id, Coordinates: Coordinates{X: x, Y: y}})
}

// drain 读空已关闭的订阅，并确认其最终进入终止状态
func drain(t testing.TB, sub *Subscription) []WorldChange {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	var out []WorldChange
	for c := range sub.All(ctx) {
		out = append(out, c)
	}
	require.NoError(t, ctx.Err(), "subscription did not complete")
	require.Equal(t, SubscriptionTerminated, sub.State())
	return out
}

func requirePosition(t testing.TB, want PositionChange, got WorldChange) {
	t.Helper()
	pc, ok := got.Change().(PositionChange)
	require.True(t, ok, "expected position change, got %s", got.Kind())
	assert.Equal(t, want.ID, pc.ID)
	assert.Equal(t, want.Coordinates, pc.Coordinates)
}

func TestChunk_NotifyWithoutObservers(t *testing.T) {
	c := NewChunk(ChunkKey{})
	c.NotifyUsers(mustChange(t, OnLoadSnapshot{ID: "id", Coordinates: Coordinates{}}))
	assert.Equal(t, uint64(1), c.Stats().Published)
	assert.Zero(t, c.Len())
}

func TestChunk_OneObserverOneChange(t *testing.T) {
	c := NewChunk(ChunkKey{})
	sub, err := c.AddObject("id-0", Coordinates{}, nil)
	require.NoError(t, err)

	c.NotifyUsers(position(t, "id-0", 42, 24))
	sub.Close()

	got := drain(t, sub)
	require.Len(t, got, 1)
	requirePosition(t, PositionChange{ID: "id-0", Coordinates: Coordinates{X: 42, Y: 24}}, got[0])
}

func TestChunk_ObserversOnlySeeChangesAfterRegistration(t *testing.T) {
	c := NewChunk(ChunkKey{X: 1, Y: 2})
	coords := []Coordinates{
		{42, 24}, {43, 23}, {44, 24}, {43, 23},
		{43, 22}, {42, 21}, {41, 20}, {40, 20},
	}
	change := func(id string, i int) PositionChange {
		return PositionChange{ID: id, Coordinates: coords[i]}
	}

	sub0, err := c.AddObject("id-0", Coordinates{}, nil)
	require.NoError(t, err)
	want := []PositionChange{change("id-0", 0), change("id-0", 2)}
	for _, pc := range want {
		c.NotifyUsers(mustChange(t, pc))
	}

	sub1, err := c.AddObject("id-1", Coordinates{}, nil)
	require.NoError(t, err)
	batch := []PositionChange{change("id-1", 1), change("id-1", 4)}
	for _, pc := range batch {
		c.NotifyUsers(mustChange(t, pc))
	}
	want = append(want, batch...)

	sub2, err := c.AddObject("id-2", Coordinates{}, nil)
	require.NoError(t, err)
	batch = []PositionChange{change("id-2", 3), change("id-0", 5), change("id-2", 6), change("id-1", 7)}
	for _, pc := range batch {
		c.NotifyUsers(mustChange(t, pc))
	}
	want = append(want, batch...)

	for _, id := range []string{"id-0", "id-1", "id-2"} {
		require.True(t, c.Unregister(id))
	}

	for i, tc := range []struct {
		sub  *Subscription
		want []PositionChange
	}{
		{sub0, want},
		{sub1, want[2:]},
		{sub2, want[4:]},
	} {
		t.Run(fmt.Sprintf("id-%d", i), func(t *testing.T) {
			got := drain(t, tc.sub)
			require.Len(t, got, len(tc.want))
			for j := range tc.want {
				requirePosition(t, tc.want[j], got[j])
			}
		})
	}
}

func TestChunk_UnregisterIsIdempotent(t *testing.T) {
	c := NewChunk(ChunkKey{})
	assert.False(t, c.Unregister("never"))

	sub, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	assert.True(t, c.Unregister("a"))
	assert.False(t, c.Unregister("a"))
	assert.Equal(t, SubscriptionTerminated, sub.State())

	// 注销后可以重新注册，新订阅看不到旧事件
	c.NotifyUsers(position(t, "a", 1, 1))
	sub2, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	c.NotifyUsers(position(t, "a", 2, 2))
	c.Unregister("a")
	got := drain(t, sub2)
	require.Len(t, got, 1)
	requirePosition(t, PositionChange{ID: "a", Coordinates: Coordinates{2, 2}}, got[0])
}

func TestChunk_UnregisterKeepsBufferedEvents(t *testing.T) {
	c := NewChunk(ChunkKey{})
	sub, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	c.NotifyUsers(position(t, "a", 1, 1))
	c.NotifyUsers(position(t, "a", 2, 2))

	c.Unregister("a")
	assert.Equal(t, SubscriptionClosing, sub.State())
	c.NotifyUsers(position(t, "a", 3, 3))

	got := drain(t, sub)
	require.Len(t, got, 2)
	requirePosition(t, PositionChange{ID: "a", Coordinates: Coordinates{2, 2}}, got[1])
}

func TestChunk_DuplicateReject(t *testing.T) {
	c := NewChunk(ChunkKey{})
	first, err := c.AddObject("a", Coordinates{X: 1}, nil)
	require.NoError(t, err)

	_, err = c.AddObject("a", Coordinates{X: 2}, nil)
	require.ErrorIs(t, err, ErrDuplicateRegistration)

	c.NotifyUsers(position(t, "a", 5, 5))
	c.Unregister("a")
	assert.Len(t, drain(t, first), 1)
}

func TestChunk_DuplicateReplace(t *testing.T) {
	c := NewChunk(ChunkKey{}, WithDuplicatePolicy(DuplicateReplace))
	first, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	c.NotifyUsers(position(t, "a", 1, 1))

	second, err := c.AddObject("a", Coordinates{X: 9}, nil)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	c.NotifyUsers(position(t, "a", 2, 2))

	// 旧订阅仍可读完替换前的事件
	got := drain(t, first)
	require.Len(t, got, 1)
	requirePosition(t, PositionChange{ID: "a", Coordinates: Coordinates{1, 1}}, got[0])

	c.Unregister("a")
	got = drain(t, second)
	require.Len(t, got, 1)
	requirePosition(t, PositionChange{ID: "a", Coordinates: Coordinates{2, 2}}, got[0])
}

func TestChunk_AddObjectErrors(t *testing.T) {
	c := NewChunk(ChunkKey{})

	_, err := c.AddObject("", Coordinates{}, nil)
	require.ErrorIs(t, err, ErrEmptyUserID)

	closed := NewSubscription(4)
	closed.Close()
	_, err = c.AddObject("a", Coordinates{}, closed)
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	c.Close()
	_, err = c.AddObject("b", Coordinates{}, nil)
	require.ErrorIs(t, err, ErrChunkClosed)
}

func TestChunk_ExternalSubscription(t *testing.T) {
	c := NewChunk(ChunkKey{}, WithReplayCapacity(8))
	ext := NewSubscription(2)
	sub, err := c.AddObject("a", Coordinates{}, ext)
	require.NoError(t, err)
	require.Same(t, ext, sub)

	fresh, err := c.AddObject("b", Coordinates{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, fresh.Cap())
}

func TestChunk_CloseTerminatesSubscriptions(t *testing.T) {
	c := NewChunk(ChunkKey{})
	sub, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	c.NotifyUsers(position(t, "a", 1, 1))

	c.Close()
	c.Close()
	assert.True(t, c.Closed())
	assert.Zero(t, c.Len())
	c.NotifyUsers(position(t, "a", 2, 2))
	assert.Len(t, drain(t, sub), 1)
}

func TestChunk_PrunesSubscriptionsClosedByConsumer(t *testing.T) {
	c := NewChunk(ChunkKey{})
	sub, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	sub.Close()

	c.NotifyUsers(position(t, "a", 1, 1))
	assert.False(t, c.Has("a"))
	_, idle := c.IdleSince()
	assert.True(t, idle)
}

func TestChunk_IgnoresZeroChange(t *testing.T) {
	c := NewChunk(ChunkKey{})
	sub, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	c.NotifyUsers(WorldChange{})
	assert.Zero(t, sub.Len())
	assert.Zero(t, c.Stats().Published)
}

func TestChunk_TracksPositionsAndObjects(t *testing.T) {
	c := NewChunk(ChunkKey{})
	_, err := c.AddObject("b", Coordinates{X: 5, Y: 5}, nil)
	require.NoError(t, err)
	_, err = c.AddObject("a", Coordinates{X: 1, Y: 1}, nil)
	require.NoError(t, err)

	c.NotifyUsers(position(t, "a", 2, 3))
	c.NotifyUsers(mustChange(t, MoveStop{ID: "b", Coordinates: Coordinates{X: 6, Y: 6}}))
	c.NotifyUsers(position(t, "stranger", 9, 9))

	at, ok := c.Position("a")
	require.True(t, ok)
	assert.Equal(t, Coordinates{X: 2, Y: 3}, at)
	_, ok = c.Position("stranger")
	assert.False(t, ok)

	assert.Equal(t, []ObjectState{
		{ID: "a", Coordinates: Coordinates{X: 2, Y: 3}},
		{ID: "b", Coordinates: Coordinates{X: 6, Y: 6}},
	}, c.Objects())
}

func TestChunk_IdleSince(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewChunk(ChunkKey{}, WithClock(func() time.Time { return now }))

	since, idle := c.IdleSince()
	require.True(t, idle)
	assert.Equal(t, now, since)

	_, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	_, idle = c.IdleSince()
	assert.False(t, idle)

	now = now.Add(time.Minute)
	c.Unregister("a")
	since, idle = c.IdleSince()
	require.True(t, idle)
	assert.Equal(t, now, since)
}

func TestChunk_CloseIfIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewChunk(ChunkKey{}, WithClock(func() time.Time { return now }))

	sub, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	assert.False(t, c.CloseIfIdle(now.Add(time.Hour), 0), "chunk with observers is never idle")
	assert.Equal(t, SubscriptionOpen, sub.State())

	c.Unregister("a")
	assert.False(t, c.CloseIfIdle(now.Add(time.Second), time.Minute))
	assert.True(t, c.CloseIfIdle(now.Add(time.Minute), time.Minute))
	assert.True(t, c.Closed())
	assert.False(t, c.CloseIfIdle(now.Add(time.Hour), 0), "already closed")

	_, err = c.AddObject("b", Coordinates{}, nil)
	require.ErrorIs(t, err, ErrChunkClosed)
}

func TestChunk_EvictionIsCounted(t *testing.T) {
	c := NewChunk(ChunkKey{}, WithReplayCapacity(2))
	sub, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		c.NotifyUsers(position(t, "a", float64(i), 0))
	}
	st := c.Stats()
	assert.Equal(t, uint64(5), st.Published)
	assert.Equal(t, uint64(3), st.Evicted)
	assert.Equal(t, uint64(3), sub.Dropped())
}

// 并发发布 + 观察者不断进出：已注册观察者看到同一全序，且不丢不重不乱序
func TestChunk_ConcurrentPublishAndChurn(t *testing.T) {
	const (
		producers = 4
		perProd   = 500
	)
	c := NewChunk(ChunkKey{}, WithReplayCapacity(producers*perProd))

	subA, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	subB, err := c.AddObject("b", Coordinates{}, nil)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		midSubs []*Subscription
		midMu   sync.Mutex
	)
	stop := make(chan struct{})
	churnDone := make(chan struct{})
	go func() {
		defer close(churnDone)
		for i := 0; i < 200; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id := fmt.Sprintf("churn-%d", i)
			sub, err := c.AddObject(id, Coordinates{}, nil)
			if err != nil {
				t.Errorf("add %s: %v", id, err)
				return
			}
			midMu.Lock()
			midSubs = append(midSubs, sub)
			midMu.Unlock()
			c.Unregister(id)
			c.Unregister(id)
		}
	}()

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				c.NotifyUsers(position(t, fmt.Sprintf("p%d", p), float64(p), float64(i)))
			}
		}(p)
	}
	wg.Wait()
	close(stop)
	<-churnDone

	c.Unregister("a")
	c.Unregister("b")
	gotA := drain(t, subA)
	gotB := drain(t, subB)
	require.Len(t, gotA, producers*perProd)
	require.Equal(t, gotA, gotB)

	// 每个生产者的事件在全序中保持调用顺序
	next := make([]float64, producers)
	for _, wc := range gotA {
		pc := wc.Change().(PositionChange)
		p := int(pc.Coordinates.X)
		require.Equal(t, next[p], pc.Coordinates.Y)
		next[p]++
	}

	// 中途加入的观察者看到的是全序中的一段连续子序列
	index := make(map[WorldChange]int, len(gotA))
	for i, wc := range gotA {
		index[wc] = i
	}
	for _, sub := range midSubs {
		got := drain(t, sub)
		for i := 1; i < len(got); i++ {
			require.Equal(t, index[got[i-1]]+1, index[got[i]])
		}
	}
}

func TestChunk_NotifyNeverBlocksOnSlowConsumer(t *testing.T) {
	c := NewChunk(ChunkKey{}, WithReplayCapacity(1))
	_, err := c.AddObject("slow", Coordinates{}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			c.NotifyUsers(position(t, "p", float64(i), 0))
		}
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		t.Fatal("publisher stalled by consumer")
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	p, err := ParseDuplicatePolicy("Replace")
	require.NoError(t, err)
	assert.Equal(t, DuplicateReplace, p)

	p, err = ParseDuplicatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DuplicateReject, p)

	_, err = ParseDuplicatePolicy("merge")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDuplicateRegistration))
}

func TestChunk_ReleaseOnlyOwnSubscription(t *testing.T) {
	c := NewChunk(ChunkKey{}, WithDuplicatePolicy(DuplicateReplace))
	old, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)
	cur, err := c.AddObject("a", Coordinates{}, nil)
	require.NoError(t, err)

	assert.False(t, c.Release("a", old))
	assert.True(t, c.Has("a"))
	assert.True(t, c.Release("a", cur))
	assert.False(t, c.Has("a"))
	assert.Equal(t, SubscriptionTerminated, cur.State())
}
