package shard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRouterRejectsInvalidShardCount(t *testing.T) {
	for _, n := range []int{0, -4, 3, 10, 8192} {
		_, err := NewRouter(n)
		assert.ErrorIs(t, err, ErrInvalidShardCount, "shard count %d", n)
	}
}

func TestShardOf(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	assert.Equal(t, 0, r.ShardOf(0))
	assert.Equal(t, 1, r.ShardOf(1001))
	assert.Equal(t, 3, r.ShardOf(7))
	assert.Equal(t, "orders_2", r.PhysicalName(r.ShardOf(1002)))
	assert.Equal(t, []string{"orders_0", "orders_1", "orders_2", "orders_3"}, r.Tables())
}

func TestWithShardBindsPhysicalTable(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	var table string
	err = r.WithShard(context.Background(), 1001, func(ctx context.Context) error {
		var err error
		table, err = r.Table(ctx, LogicalOrders)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "orders_1", table)
}

func TestTablePassesThroughUnshardedNames(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	table, err := r.Table(context.Background(), "items")
	require.NoError(t, err)
	assert.Equal(t, "items", table)
}

func TestTableWithoutScopeFailsFast(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	_, err = r.Table(context.Background(), LogicalOrders)
	assert.ErrorIs(t, err, ErrNoShardContext)
}

func TestScopeReleasedAfterError(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	boom := errors.New("boom")
	var leaked context.Context
	err = r.WithShard(context.Background(), 2, func(ctx context.Context) error {
		leaked = ctx
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = r.Table(leaked, LogicalOrders)
	assert.ErrorIs(t, err, ErrNoShardContext)
}

func TestScopeReleasedAfterPanic(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	var leaked context.Context
	assert.PanicsWithValue(t, "boom", func() {
		_ = r.WithShard(context.Background(), 3, func(ctx context.Context) error {
			leaked = ctx
			panic("boom")
		})
	})

	scope, ok := ScopeFrom(leaked)
	require.True(t, ok)
	assert.True(t, scope.Released())
	_, err = r.Table(leaked, LogicalOrders)
	assert.ErrorIs(t, err, ErrNoShardContext)
}

func TestNestedScopesDoNotLeak(t *testing.T) {
	r, err := NewRouter(4)
	require.NoError(t, err)

	err = r.WithShard(context.Background(), 1, func(outer context.Context) error {
		err := r.WithShard(outer, 2, func(inner context.Context) error {
			table, err := r.Table(inner, LogicalOrders)
			assert.Equal(t, "orders_2", table)
			return err
		})
		if err != nil {
			return err
		}
		table, err := r.Table(outer, LogicalOrders)
		assert.Equal(t, "orders_1", table)
		return err
	})
	assert.NoError(t, err)
}
