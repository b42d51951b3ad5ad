package kbucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodecore/swarmcore/peer"
)

func TestCommonPrefixLen(t *testing.T) {
	var a, b peer.ID
	a[0] = 0b11110000
	b[0] = 0b11110000
	// a and b are now identical, so they share every bit.
	require.Equal(t, peer.IDLength*8, CommonPrefixLen(a, b))

	b[0] = 0b11100000
	require.Equal(t, 3, CommonPrefixLen(a, b))
}

func TestTableInsertRejectsSelf(t *testing.T) {
	local := idOf(9)
	table := NewTable(local, 4, time.Minute)
	require.Equal(t, Full, table.Insert(local, Connected, 0))
}

func TestTableInsertRoutesByDistance(t *testing.T) {
	local := idOf(0)
	table := NewTable(local, 4, time.Minute)

	var far peer.ID
	far[0] = 0xff // differs in the very first bit from local

	require.Equal(t, Inserted, table.Insert(far, Connected, 0))
	require.Equal(t, 1, table.Bucket(far).Len())
}
