package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableExclusivePerIncident(t *testing.T) {
	lt := NewLockTable(8)

	release, err := lt.Acquire(context.Background(), "axm-20251221-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lt.Acquire(ctx, "axm-20251221-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	release2, err := lt.Acquire(context.Background(), "axm-20251221-a")
	require.NoError(t, err)
	release2()
}

func TestLockTableIndependentIncidentsDoNotBlock(t *testing.T) {
	lt := NewLockTable(1024)

	// Pick incident ids that provably land on distinct shards.
	held := "axm-20251221-a0"
	ids := []string{held}
	for i := 1; len(ids) < 3; i++ {
		id := fmt.Sprintf("axm-20251221-a%d", i)
		distinct := true
		for _, prev := range ids {
			if lt.shard(id) == lt.shard(prev) {
				distinct = false
				break
			}
		}
		if distinct {
			ids = append(ids, id)
		}
	}

	var releases []func()
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		release, err := lt.Acquire(ctx, id)
		cancel()
		require.NoError(t, err, "incident %s", id)
		releases = append(releases, release)
	}
	for _, r := range releases {
		r()
	}
}

func TestLockTableSharedShardContends(t *testing.T) {
	lt := NewLockTable(1)

	release, err := lt.Acquire(context.Background(), "axm-20251221-a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lt.Acquire(ctx, "axm-20251221-unrelated")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
