package messages_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeddedsocial/pipeline/messages"
)

func TestDefaultRegistryKnowsEveryRoutedKind(t *testing.T) {
	reg := messages.DefaultRegistry()

	var routed []messages.Kind
	for _, name := range messages.QueueNames() {
		kinds := messages.KindsFor(name)
		require.NotEmpty(t, kinds, "queue %s carries no kinds", name)
		routed = append(routed, kinds...)
	}

	require.ElementsMatch(t, reg.Kinds(), routed)
	require.Len(t, routed, 15)

	for _, kind := range routed {
		queueName, ok := messages.QueueFor(kind)
		require.True(t, ok)
		require.Contains(t, messages.KindsFor(queueName), kind)
	}
}

func TestEncodeDecodeKeepsVariant(t *testing.T) {
	reg := messages.DefaultRegistry()
	updated := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name    string
		payload messages.Payload
	}{
		{
			name: "like",
			payload: &messages.Like{
				ContentHandle:   "c1",
				UserHandle:      "u1",
				Liked:           true,
				LastUpdatedTime: updated,
			},
		},
		{
			name: "relationship",
			payload: &messages.Relationship{
				RelationshipOperation:  messages.RelationshipFollow,
				FollowerKeyUserHandle:  "u1",
				FollowingKeyUserHandle: "u2",
				LastUpdatedTime:        updated,
			},
		},
		{
			name:    "search remove user",
			payload: &messages.SearchRemoveUser{UserHandle: "u9", AppHandle: "a1"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kind, body, err := reg.Encode(tc.payload)
			require.NoError(t, err)
			require.Equal(t, tc.payload.Kind(), kind)

			decoded := reg.Decode(kind, body)
			require.IsType(t, tc.payload, decoded)
			require.Equal(t, tc.payload, decoded)
		})
	}
}

func TestEncodeRejections(t *testing.T) {
	reg := messages.DefaultRegistry()

	_, _, err := reg.Encode(nil)
	require.ErrorIs(t, err, messages.ErrNilPayload)

	var like *messages.Like
	_, _, err = reg.Encode(like)
	require.ErrorIs(t, err, messages.ErrNilPayload)

	_, _, err = reg.Encode(&messages.Unrecognized{Tag: "mystery"})
	require.ErrorIs(t, err, messages.ErrUnsendable)

	empty := messages.NewRegistry()
	_, _, err = empty.Encode(&messages.Report{ReportHandle: "r1"})
	require.ErrorIs(t, err, messages.ErrUnknownKind)
}

func TestDecodeFailuresBecomeUnrecognized(t *testing.T) {
	reg := messages.DefaultRegistry()

	unknown := reg.Decode("legacy-kind", []byte(`{"a":1}`))
	require.IsType(t, &messages.Unrecognized{}, unknown)
	unrec := unknown.(*messages.Unrecognized)
	require.Equal(t, messages.Kind("legacy-kind"), unrec.Kind())
	require.ErrorIs(t, unrec.Err, messages.ErrUnknownKind)

	broken := reg.Decode(messages.KindLike, []byte(`{"liked":"not-a-bool"`))
	require.IsType(t, &messages.Unrecognized{}, broken)
	require.Error(t, broken.(*messages.Unrecognized).Err)
	require.Equal(t, messages.KindLike, broken.Kind())
}

func TestRegisterPanicsOnDuplicates(t *testing.T) {
	reg := messages.NewRegistry()
	reg.Register(messages.KindReport, func() messages.Payload { return &messages.Report{} })

	require.Panics(t, func() {
		reg.Register(messages.KindReport, func() messages.Payload { return &messages.Report{} })
	})
	require.Panics(t, func() {
		reg.Register("", func() messages.Payload { return &messages.Report{} })
	})
}
