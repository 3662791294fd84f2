package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{MarkerTTL: time.Hour, CallTimeout: time.Second}), mr
}

func TestKeysShareHashTag(t *testing.T) {
	assert.Equal(t, "stock:{42}", StockKey(42))
	assert.Equal(t, "purchase:done:7:{42}", MarkerKey(7, 42))
	assert.Equal(t, "purchase:rollback:1001:{42}", RollbackKey(1001, 42))
}

func TestReserve(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()

	loaded, err := l.Preheat(ctx, 42, 2)
	require.NoError(t, err)
	require.True(t, loaded)

	res, err := l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.Equal(t, Reserved, res)

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	marker, err := mr.Get(MarkerKey(7, 42))
	require.NoError(t, err)
	assert.Equal(t, "1001", marker)
	assert.Equal(t, time.Hour, mr.TTL(MarkerKey(7, 42)))
}

func TestReserveAlreadyReserved(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 5)
	require.NoError(t, err)

	res, err := l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)
	require.Equal(t, Reserved, res)

	res, err = l.Reserve(ctx, 42, 7, 1002)
	require.NoError(t, err)
	assert.Equal(t, AlreadyReserved, res)

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(4), remaining)
}

func TestReserveOutOfStock(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 1)
	require.NoError(t, err)

	res, err := l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)
	require.Equal(t, Reserved, res)

	res, err = l.Reserve(ctx, 42, 8, 1002)
	require.NoError(t, err)
	assert.Equal(t, OutOfStock, res)

	has, err := l.HasReservation(ctx, 42, 8, 1002)
	require.NoError(t, err)
	assert.False(t, has, "an out of stock attempt must not leave a marker")
}

func TestReserveItemNotOnSale(t *testing.T) {
	l, mr := newTestLedger(t)

	res, err := l.Reserve(context.Background(), 99, 7, 1001)
	require.NoError(t, err)
	assert.Equal(t, OutOfStock, res)
	assert.False(t, mr.Exists(MarkerKey(7, 99)))
	assert.False(t, mr.Exists(StockKey(99)))
}

func TestReserveNeverOversells(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	const stock = 10
	const buyers = 100

	_, err := l.Preheat(ctx, 42, stock)
	require.NoError(t, err)

	var reserved atomic.Int64
	var wg sync.WaitGroup
	for b := 1; b <= buyers; b++ {
		wg.Add(1)
		go func(buyer int64) {
			defer wg.Done()
			res, err := l.Reserve(ctx, 42, buyer, 5000+buyer)
			if assert.NoError(t, err) && res == Reserved {
				reserved.Add(1)
			}
		}(int64(b))
	}
	wg.Wait()

	assert.Equal(t, int64(stock), reserved.Load())
	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestReserveOnePerBuyerUnderConcurrency(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 50)
	require.NoError(t, err)

	var reserved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(attempt int64) {
			defer wg.Done()
			res, err := l.Reserve(ctx, 42, 7, 9000+attempt)
			if assert.NoError(t, err) && res == Reserved {
				reserved.Add(1)
			}
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, int64(1), reserved.Load())
	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(49), remaining)
}

func TestRollbackRestoresStockAndMarker(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 1)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)

	applied, err := l.Rollback(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.True(t, applied)

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
	assert.False(t, mr.Exists(MarkerKey(7, 42)))

	// the buyer may purchase again
	res, err := l.Reserve(ctx, 42, 7, 1002)
	require.NoError(t, err)
	assert.Equal(t, Reserved, res)
}

func TestRollbackIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 3)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		applied, err := l.Rollback(ctx, 42, 7, 1001)
		require.NoError(t, err)
		assert.Equal(t, i == 0, applied)
	}

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(3), remaining)
}

func TestRollbackAfterMarkerExpired(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 1)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	applied, err := l.Rollback(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = l.Rollback(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.False(t, applied)

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestRollbackKeepsNewerReservation(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 3)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)

	// the first marker lapses and the buyer reserves again
	mr.FastForward(2 * time.Hour)
	res, err := l.Reserve(ctx, 42, 7, 1002)
	require.NoError(t, err)
	require.Equal(t, Reserved, res)

	applied, err := l.Rollback(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.True(t, applied)

	has, err := l.HasReservation(ctx, 42, 7, 1002)
	require.NoError(t, err)
	assert.True(t, has)
	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
}

func TestReleaseRequiresMarker(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 3)
	require.NoError(t, err)

	// never reserved
	applied, err := l.Release(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = l.Reserve(ctx, 42, 7, 1002)
	require.NoError(t, err)
	applied, err = l.Release(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, mr.Exists(RollbackKey(1001, 42)))

	applied, err = l.Release(ctx, 42, 7, 1002)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, mr.Exists(MarkerKey(7, 42)))

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(3), remaining)
}

func TestReleaseAndRollbackReturnOneUnit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 1)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)

	applied, err := l.Release(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = l.Rollback(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.False(t, applied)

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestHasReservation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 3)
	require.NoError(t, err)

	has, err := l.HasReservation(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)

	has, err = l.HasReservation(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = l.HasReservation(ctx, 42, 7, 1003)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMarkerExpires(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Preheat(ctx, 42, 3)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 42, 7, 1001)
	require.NoError(t, err)

	mr.FastForward(time.Hour + time.Second)

	has, err := l.HasReservation(ctx, 42, 7, 1001)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPreheatDoesNotOverwriteLiveSale(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	loaded, err := l.Preheat(ctx, 42, 10)
	require.NoError(t, err)
	assert.True(t, loaded)

	loaded, err = l.Preheat(ctx, 42, 500)
	require.NoError(t, err)
	assert.False(t, loaded)

	remaining, err := l.Remaining(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(10), remaining)

	_, err = l.Preheat(ctx, 43, -1)
	assert.Error(t, err)
}

func TestLedgerRedisDown(t *testing.T) {
	l, mr := newTestLedger(t)
	mr.Close()

	_, err := l.Reserve(context.Background(), 42, 7, 1001)
	assert.Error(t, err)
	_, err = l.HasReservation(context.Background(), 42, 7, 1001)
	assert.Error(t, err)
}
