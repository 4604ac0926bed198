package managers_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
)

func TestProcessTypeFor(t *testing.T) {
	cases := []struct {
		count int
		want  managers.ProcessType
	}{
		{count: 0, want: managers.ProcessTypeBackend},
		{count: 1, want: managers.ProcessTypeBackend},
		{count: 2, want: managers.ProcessTypeBackendRetry},
		{count: 10, want: managers.ProcessTypeBackendRetry},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, managers.ProcessTypeFor(tc.count), "count %d", tc.count)
	}
	require.Equal(t, "backend-retry", managers.ProcessTypeBackendRetry.String())
}

func TestStatusFor(t *testing.T) {
	cases := map[messages.RelationshipOperation]managers.RelationshipStatus{
		messages.RelationshipFollow:         managers.RelationshipStatusFollow,
		messages.RelationshipFollowAccept:   managers.RelationshipStatusFollow,
		messages.RelationshipFollowRequest:  managers.RelationshipStatusPending,
		messages.RelationshipBlock:          managers.RelationshipStatusBlock,
		messages.RelationshipUnfollow:       managers.RelationshipStatusNone,
		messages.RelationshipFollowReject:   managers.RelationshipStatusNone,
		messages.RelationshipUnblock:        managers.RelationshipStatusNone,
		messages.RelationshipRemoveFollower: managers.RelationshipStatusNone,
	}

	for op, want := range cases {
		require.Equal(t, want, managers.StatusFor(op), string(op))
	}
}
