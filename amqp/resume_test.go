package amqp

import (
	"testing"

	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func received(section uint32, offset uint64) *proto.Received {
	return &proto.Received{SectionNumber: section, SectionOffset: offset}
}

func TestReconcileDelivery(t *testing.T) {
	cases := []struct {
		name          string
		local         proto.DeliveryState
		remotePresent bool
		remote        proto.DeliveryState
		want          ResumeAction
	}{
		{
			name:          "remote absent, no local progress",
			local:         nil,
			remotePresent: false,
			want:          ResumeResend,
		},
		{
			name:          "remote absent, local mid-delivery",
			local:         received(1, 100),
			remotePresent: false,
			want:          ResumeResend,
		},
		{
			name:          "remote absent, local terminal",
			local:         &proto.Accepted{},
			remotePresent: false,
			want:          ResumeNone,
		},
		{
			name:          "both null states resume from start",
			local:         nil,
			remotePresent: true,
			remote:        nil,
			want:          ResumeFromProgress,
		},
		{
			name:          "local progress behind remote",
			local:         received(0, 100),
			remotePresent: true,
			remote:        received(1, 0),
			want:          ResumeFromProgress,
		},
		{
			name:          "local progress ahead of remote",
			local:         received(2, 0),
			remotePresent: true,
			remote:        received(1, 50),
			want:          ResumeAbort,
		},
		{
			name:          "equal progress",
			local:         received(1, 32),
			remotePresent: true,
			remote:        received(1, 32),
			want:          ResumeFromProgress,
		},
		{
			name:          "remote concluded while we were away",
			local:         received(1, 0),
			remotePresent: true,
			remote:        &proto.Released{},
			want:          ResumeNone,
		},
		{
			name:          "we concluded but remote is mid-delivery",
			local:         &proto.Accepted{},
			remotePresent: true,
			remote:        received(0, 10),
			want:          ResumeAbort,
		},
		{
			name:          "matching terminal outcomes",
			local:         &proto.Accepted{},
			remotePresent: true,
			remote:        &proto.Accepted{},
			want:          ResumeNone,
		},
		{
			name:          "divergent terminal outcomes",
			local:         &proto.Accepted{},
			remotePresent: true,
			remote:        &proto.Rejected{},
			want:          ResumeRestateOutcome,
		},
		{
			name:          "transactional local state",
			local:         &proto.TransactionalState{TxnID: []byte{1}},
			remotePresent: true,
			remote:        received(0, 0),
			want:          ResumeAbort,
		},
		{
			name:          "transactional remote state",
			local:         received(0, 0),
			remotePresent: true,
			remote:        &proto.Declared{TxnID: []byte{2}},
			want:          ResumeAbort,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := reconcileDelivery(tc.local, tc.remotePresent, tc.remote)
			assert.Equal(t, tc.want, dec.Action)
		})
	}
}

func TestReconcileResumePoint(t *testing.T) {
	// Resume always proceeds from the smaller (local) progress marker.
	dec := reconcileDelivery(received(1, 10), true, received(3, 0))
	require.Equal(t, ResumeFromProgress, dec.Action)
	require.NotNil(t, dec.Progress)
	assert.Equal(t, uint32(1), dec.Progress.SectionNumber)
	assert.Equal(t, uint64(10), dec.Progress.SectionOffset)
}

func TestReconcileAdoptedOutcome(t *testing.T) {
	dec := reconcileDelivery(received(0, 0), true, &proto.Released{})
	require.Equal(t, ResumeNone, dec.Action)
	assert.IsType(t, &proto.Released{}, dec.Outcome)
}

func TestReconcileRestatedOutcome(t *testing.T) {
	// The sender's outcome wins a terminal disagreement.
	dec := reconcileDelivery(&proto.Accepted{}, true, &proto.Rejected{})
	require.Equal(t, ResumeRestateOutcome, dec.Action)
	assert.IsType(t, &proto.Accepted{}, dec.Outcome)
}

func TestPayloadSuffix(t *testing.T) {
	msg := &Message{Data: [][]byte{[]byte("first-section"), []byte("second-section")}}
	payload, err := msg.Marshal()
	require.NoError(t, err)

	t.Run("zero progress is the whole payload", func(t *testing.T) {
		suffix, err := payloadSuffix(payload, received(0, 0))
		require.NoError(t, err)
		assert.Equal(t, payload, suffix)
	})

	t.Run("second section onward", func(t *testing.T) {
		suffix, err := payloadSuffix(payload, received(1, 0))
		require.NoError(t, err)
		assert.True(t, len(suffix) < len(payload))
		assert.Equal(t, payload[len(payload)-len(suffix):], suffix)
		assert.Contains(t, string(suffix), "second-section")
		assert.NotContains(t, string(suffix), "first-section")
	})

	t.Run("offset within a section", func(t *testing.T) {
		full, err := payloadSuffix(payload, received(1, 0))
		require.NoError(t, err)
		part, err := payloadSuffix(payload, received(1, 4))
		require.NoError(t, err)
		assert.Equal(t, full[4:], part)
	})

	t.Run("section past the payload", func(t *testing.T) {
		_, err := payloadSuffix(payload, received(9, 0))
		assert.Error(t, err)
	})
}
