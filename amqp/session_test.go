package amqp

import (
	"testing"
	"time"

	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/israelio/amqp10-go/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispositionReversedRangeTerminates(t *testing.T) {
	s := &Session{
		deliveriesOut: make(map[uint32]*unsettledDelivery),
		deliveriesIn:  make(map[uint32]*link),
	}
	last := uint32(3)

	done := make(chan struct{})
	go func() {
		s.processDisposition(&proto.Disposition{Role: proto.RoleReceiver, First: 5, Last: &last})
		s.processDisposition(&proto.Disposition{Role: proto.RoleSender, First: 5, Last: &last})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disposition with last < first did not terminate")
	}
}

func TestBindLinkHandleExhaustion(t *testing.T) {
	s := &Session{
		handles:       util.NewIDAllocator(0),
		linksByOutput: make(map[uint32]*link),
		linksByInput:  make(map[uint32]*link),
		linksByName:   make(map[string]*link),
	}

	require.NoError(t, s.bindLink(&link{name: "first"}))
	assert.ErrorIs(t, s.bindLink(&link{name: "second"}), ErrHandleMaxReached)
	assert.ErrorIs(t, s.bindLink(&link{name: "first"}), ErrDuplicateLinkName)
}
