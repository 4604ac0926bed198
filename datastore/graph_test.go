package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLikeDelta(t *testing.T) {
	cases := []struct {
		was, now bool
		want     int64
	}{
		{was: false, now: true, want: 1},
		{was: true, now: false, want: -1},
		{was: true, now: true, want: 0},
		{was: false, now: false, want: 0},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, likeDelta(tc.was, tc.now), "%v -> %v", tc.was, tc.now)
	}
}

func TestNewStoreNeedsConnection(t *testing.T) {
	_, err := NewStore(t.Context())
	require.ErrorIs(t, err, ErrNoDatabase)
}
