package sharding_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/reliable-delivery/internal/sharding"
)

func TestRedisEntityLocator_claimsAndRefreshesOwnership(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	locator, err := sharding.NewRedisEntityLocator(s.Addr(), "", 0, "test:")
	require.NoError(t, err)
	defer locator.Close()

	ctx := context.Background()

	owned, err := locator.EnsureOwnership(ctx, "entity-1", "node-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, owned)

	// Same node re-claiming refreshes the TTL rather than failing.
	owned, err = locator.EnsureOwnership(ctx, "entity-1", "node-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = locator.EnsureOwnership(ctx, "entity-1", "node-b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, owned)

	require.NoError(t, locator.Release(ctx, "entity-1", "node-a"))

	owned, err = locator.EnsureOwnership(ctx, "entity-1", "node-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, owned)
}
