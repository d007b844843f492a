package amqp

import (
	"testing"

	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleModeFallbackSubstitutedForSender(t *testing.T) {
	l := &link{opts: LinkOptions{
		SenderSettleMode:   SettleMode(SenderSettleModeUnsettled),
		FallbackSettleMode: SettleMode(SenderSettleModeMixed),
	}}
	reply := &proto.Attach{SndSettleMode: SettleMode(proto.SenderSettleSettled)}

	require.NoError(t, l.negotiateSettleModes(reply))
	// The configured fallback wins, not the peer's counter-offer.
	assert.Equal(t, proto.SenderSettleMixed, l.sndSettleMode)
}

func TestSettleModeFallbackSubstitutedForReceiver(t *testing.T) {
	l := &link{opts: LinkOptions{
		ReceiverSettleMode: SettleMode(ReceiverSettleModeSecond),
		FallbackSettleMode: SettleMode(ReceiverSettleModeSecond),
	}}
	reply := &proto.Attach{RcvSettleMode: SettleMode(proto.ReceiverSettleFirst)}

	require.NoError(t, l.negotiateSettleModes(reply))
	assert.Equal(t, proto.ReceiverSettleSecond, l.rcvSettleMode)
}

func TestSettleModeMixedAdoptsPeer(t *testing.T) {
	l := &link{}
	reply := &proto.Attach{SndSettleMode: SettleMode(proto.SenderSettleSettled)}

	require.NoError(t, l.negotiateSettleModes(reply))
	assert.Equal(t, proto.SenderSettleSettled, l.sndSettleMode)
}

func TestSettleModeStrictWithoutFallbackFails(t *testing.T) {
	l := &link{opts: LinkOptions{
		SenderSettleMode: SettleMode(SenderSettleModeUnsettled),
	}}
	reply := &proto.Attach{SndSettleMode: SettleMode(proto.SenderSettleSettled)}

	err := l.negotiateSettleModes(reply)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLinkDetached)
}
