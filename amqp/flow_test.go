package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uint32Ptr(v uint32) *uint32 { return &v }

func TestFlowCreditFromRemote(t *testing.T) {
	f := newFlowState(0)

	// delivery-count unset falls back to the advertised initial value.
	f.applyRemoteFlow(&proto.Flow{LinkCredit: uint32Ptr(10)})
	assert.Equal(t, uint32(10), f.credit())

	ctx := context.Background()
	detached := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, f.consumeCredit(ctx, detached))
	}
	dc, credit, _, _ := f.snapshot()
	assert.Equal(t, uint32(3), dc)
	assert.Equal(t, uint32(7), credit)

	// The receiver's snapshot lags: it still reports delivery-count 0,
	// so the same grant recomputes to the same usable credit.
	f.applyRemoteFlow(&proto.Flow{DeliveryCount: uint32Ptr(0), LinkCredit: uint32Ptr(10)})
	assert.Equal(t, uint32(7), f.credit())

	// A grant based on the caught-up delivery-count extends the window.
	f.applyRemoteFlow(&proto.Flow{DeliveryCount: uint32Ptr(3), LinkCredit: uint32Ptr(10)})
	assert.Equal(t, uint32(10), f.credit())
}

func TestFlowInitialDeliveryCountBaseline(t *testing.T) {
	f := newFlowState(40)
	f.applyRemoteFlow(&proto.Flow{LinkCredit: uint32Ptr(5)})
	// 40 (implied) + 5 - 40 = 5.
	assert.Equal(t, uint32(5), f.credit())

	ctx := context.Background()
	require.NoError(t, f.consumeCredit(ctx, make(chan struct{})))
	dc, credit, _, _ := f.snapshot()
	assert.Equal(t, uint32(41), dc)
	assert.Equal(t, uint32(4), credit)
}

func TestFlowSerialArithmeticWraps(t *testing.T) {
	f := newFlowState(4294967290)
	f.applyRemoteFlow(&proto.Flow{DeliveryCount: uint32Ptr(4294967290), LinkCredit: uint32Ptr(10)})
	assert.Equal(t, uint32(10), f.credit())

	ctx := context.Background()
	detached := make(chan struct{})
	for i := 0; i < 8; i++ {
		require.NoError(t, f.consumeCredit(ctx, detached))
	}
	dc, credit, _, _ := f.snapshot()
	assert.Equal(t, uint32(2), dc) // wrapped past zero
	assert.Equal(t, uint32(2), credit)
}

func TestFlowConsumeBlocksUntilCredit(t *testing.T) {
	f := newFlowState(0)
	ctx := context.Background()
	detached := make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.consumeCredit(ctx, detached) }()

	select {
	case <-done:
		t.Fatal("consumeCredit returned without credit")
	case <-time.After(20 * time.Millisecond):
	}

	f.issueCredit(1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumeCredit did not wake on credit")
	}
	assert.Equal(t, uint32(0), f.credit())
}

func TestFlowConsumeUnblocksOnDetach(t *testing.T) {
	f := newFlowState(0)
	detached := make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.consumeCredit(context.Background(), detached) }()
	close(detached)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLinkDetached)
	case <-time.After(time.Second):
		t.Fatal("consumeCredit did not observe detach")
	}
}

func TestFlowConsumeHonorsContext(t *testing.T) {
	f := newFlowState(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.consumeCredit(ctx, make(chan struct{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlowDrain(t *testing.T) {
	f := newFlowState(0)
	f.applyRemoteFlow(&proto.Flow{DeliveryCount: uint32Ptr(0), LinkCredit: uint32Ptr(10), Drain: true})

	dc, drained := f.drainCredit()
	assert.Equal(t, uint32(10), dc)
	assert.Equal(t, uint32(10), drained)
	assert.Equal(t, uint32(0), f.credit())

	// Draining exhausted credit is a no-op.
	dc, drained = f.drainCredit()
	assert.Equal(t, uint32(10), dc)
	assert.Equal(t, uint32(0), drained)
}

func TestFlowReceiverBookkeeping(t *testing.T) {
	f := newFlowState(0)
	f.issueCredit(2)

	f.onTransferReceived()
	f.onTransferReceived()
	dc, credit, _, _ := f.snapshot()
	assert.Equal(t, uint32(2), dc)
	assert.Equal(t, uint32(0), credit)

	// Credit never goes negative even if the sender overshoots.
	f.onTransferReceived()
	dc, credit, _, _ = f.snapshot()
	assert.Equal(t, uint32(3), dc)
	assert.Equal(t, uint32(0), credit)

	f.updateFromSender(&proto.Flow{DeliveryCount: uint32Ptr(7), Available: uint32Ptr(4)})
	dc, _, avail, _ := f.snapshot()
	assert.Equal(t, uint32(7), dc)
	assert.Equal(t, uint32(4), avail)
}
