/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowRespectsBurst(t *testing.T) {
	tl := New(Config{RefillPerSec: 1, Burst: 3, IdleTTL: time.Minute})
	allowed := 0
	for i := 0; i < 5; i++ {
		if tl.Allow("tenant-a") {
			allowed++
		}
	}
	require.Equal(t, 3, allowed)
}

func TestTenantsAreIsolated(t *testing.T) {
	tl := New(Config{RefillPerSec: 1, Burst: 1, IdleTTL: time.Minute})
	require.True(t, tl.Allow("tenant-a"))
	require.False(t, tl.Allow("tenant-a"))
	require.True(t, tl.Allow("tenant-b"))
}

func TestEvictIdleRemovesStaleTenants(t *testing.T) {
	tl := New(Config{RefillPerSec: 1, Burst: 1, IdleTTL: time.Millisecond})
	tl.Allow("tenant-a")
	time.Sleep(5 * time.Millisecond)
	evicted := tl.EvictIdle()
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, tl.Len())
}

func TestReserveReturnsPositiveDelayWhenExhausted(t *testing.T) {
	tl := New(Config{RefillPerSec: 1, Burst: 1, IdleTTL: time.Minute})
	tl.Allow("tenant-a")
	d := tl.Reserve("tenant-a")
	require.Greater(t, d, time.Duration(0))
}
