package version //nolint:revive // matches the package under test

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	defer func(v, c, d string) { Version, Commit, Date = v, c, d }(Version, Commit, Date)

	testCases := []struct {
		version, commit, date string
		want                  string
	}{
		{version: "dev", want: "dev"},
		{version: "v1.0.0", commit: "abc123", want: "v1.0.0 (abc123)"},
		{version: "v1.0.0", commit: "abc123", date: "2026-10-01", want: "v1.0.0 (abc123, 2026-10-01)"},
	}

	for _, tc := range testCases {
		Version, Commit, Date = tc.version, tc.commit, tc.date
		require.Equal(t, tc.want, String())
	}
}
