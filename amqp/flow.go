package amqp

import (
	"context"
	"sync"

	"github.com/israelio/amqp10-go/internal/proto"
)

// flowState is the per-link credit counter block. It is the only state
// shared between the link's frame-processing goroutine and application
// goroutines consuming credit to send, so every access goes through mu.
// All arithmetic is serial-number arithmetic on uint32 (wraparound is
// intended).
type flowState struct {
	mu sync.Mutex

	// deliveryCount is the sender's own count for sender links and the
	// sender's last reported count for receiver links.
	deliveryCount uint32
	linkCredit    uint32
	available     uint32
	drain         bool

	// initialDeliveryCount is what the sender advertised on its Attach;
	// a Flow with delivery-count unset means this value (AMQP 2.6.7).
	initialDeliveryCount uint32

	// notify is closed and replaced whenever credit may have become
	// available, waking blocked consumers.
	notify chan struct{}
}

func newFlowState(initialDeliveryCount uint32) *flowState {
	return &flowState{
		deliveryCount:        initialDeliveryCount,
		initialDeliveryCount: initialDeliveryCount,
		notify:               make(chan struct{}),
	}
}

func (f *flowState) bumpLocked() {
	close(f.notify)
	f.notify = make(chan struct{})
}

// consumeCredit blocks until one credit is available, then consumes it,
// advancing delivery-count by exactly one. It returns early when ctx ends
// or the link detaches.
func (f *flowState) consumeCredit(ctx context.Context, detached <-chan struct{}) error {
	for {
		f.mu.Lock()
		if f.linkCredit > 0 {
			f.linkCredit--
			f.deliveryCount++
			f.mu.Unlock()
			return nil
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-wait:
		case <-detached:
			return ErrLinkDetached
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// applyRemoteFlow recomputes the sender-side credit from an incoming Flow.
// An unset delivery-count means the value the sender itself advertised on
// its initial Attach.
func (f *flowState) applyRemoteFlow(flow *proto.Flow) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if flow.LinkCredit != nil {
		rcvDeliveryCount := f.initialDeliveryCount
		if flow.DeliveryCount != nil {
			rcvDeliveryCount = *flow.DeliveryCount
		}
		f.linkCredit = rcvDeliveryCount + *flow.LinkCredit - f.deliveryCount
	}
	f.drain = flow.Drain
	f.bumpLocked()
}

// drainCredit zeroes the remaining credit while advancing delivery-count
// by the same amount, completing a drain cycle. It returns the counters to
// echo back in a Flow.
func (f *flowState) drainCredit() (deliveryCount uint32, drained uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	drained = f.linkCredit
	f.deliveryCount += f.linkCredit
	f.linkCredit = 0
	f.drain = false
	return f.deliveryCount, drained
}

// issueCredit grants n more credits on a receiver link.
func (f *flowState) issueCredit(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCredit += n
	f.bumpLocked()
}

// onTransferReceived updates receiver-side bookkeeping for one arriving
// delivery.
func (f *flowState) onTransferReceived() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveryCount++
	if f.linkCredit > 0 {
		f.linkCredit--
	}
}

// updateFromSender records the counters a sender reported in a Flow, used
// on receiver links.
func (f *flowState) updateFromSender(flow *proto.Flow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flow.DeliveryCount != nil {
		f.deliveryCount = *flow.DeliveryCount
	}
	if flow.Available != nil {
		f.available = *flow.Available
	}
}

func (f *flowState) snapshot() (deliveryCount, linkCredit, available uint32, drain bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveryCount, f.linkCredit, f.available, f.drain
}

// clearCredit completes a drain cycle on a receiver link: the sender has
// confirmed the remaining credit will never be used.
func (f *flowState) clearCredit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCredit = 0
	f.drain = false
}

func (f *flowState) credit() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkCredit
}
