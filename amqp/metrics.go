package amqp

import (
	"sync/atomic"
)

// MetricsCollector collects metrics for protocol engine operations.
type MetricsCollector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	ConnectionError(err error)

	// Session metrics
	SessionBegun()
	SessionEnded()

	// Link metrics
	LinkAttached()
	LinkDetached()
	LinkResumed()

	// Delivery metrics
	TransferSent()
	TransferReceived()
	DeliverySettled()
	DeliveryAborted()
}

// StandardMetricsCollector provides a thread-safe metrics collector.
type StandardMetricsCollector struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	connectionErrors  atomic.Int64

	sessionsBegun atomic.Int64
	sessionsEnded atomic.Int64

	linksAttached atomic.Int64
	linksDetached atomic.Int64
	linksResumed  atomic.Int64

	transfersSent     atomic.Int64
	transfersReceived atomic.Int64
	deliveriesSettled atomic.Int64
	deliveriesAborted atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector.
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

func (m *StandardMetricsCollector) ConnectionOpened() {
	m.connectionsOpened.Add(1)
}

func (m *StandardMetricsCollector) ConnectionClosed() {
	m.connectionsClosed.Add(1)
}

func (m *StandardMetricsCollector) ConnectionError(err error) {
	m.connectionErrors.Add(1)
}

func (m *StandardMetricsCollector) SessionBegun() {
	m.sessionsBegun.Add(1)
}

func (m *StandardMetricsCollector) SessionEnded() {
	m.sessionsEnded.Add(1)
}

func (m *StandardMetricsCollector) LinkAttached() {
	m.linksAttached.Add(1)
}

func (m *StandardMetricsCollector) LinkDetached() {
	m.linksDetached.Add(1)
}

func (m *StandardMetricsCollector) LinkResumed() {
	m.linksResumed.Add(1)
}

func (m *StandardMetricsCollector) TransferSent() {
	m.transfersSent.Add(1)
}

func (m *StandardMetricsCollector) TransferReceived() {
	m.transfersReceived.Add(1)
}

func (m *StandardMetricsCollector) DeliverySettled() {
	m.deliveriesSettled.Add(1)
}

func (m *StandardMetricsCollector) DeliveryAborted() {
	m.deliveriesAborted.Add(1)
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsOpened() int64 {
	return m.connectionsOpened.Load()
}

func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}

func (m *StandardMetricsCollector) GetConnectionErrors() int64 {
	return m.connectionErrors.Load()
}

func (m *StandardMetricsCollector) GetSessionsBegun() int64 {
	return m.sessionsBegun.Load()
}

func (m *StandardMetricsCollector) GetSessionsEnded() int64 {
	return m.sessionsEnded.Load()
}

func (m *StandardMetricsCollector) GetLinksAttached() int64 {
	return m.linksAttached.Load()
}

func (m *StandardMetricsCollector) GetLinksDetached() int64 {
	return m.linksDetached.Load()
}

func (m *StandardMetricsCollector) GetLinksResumed() int64 {
	return m.linksResumed.Load()
}

func (m *StandardMetricsCollector) GetTransfersSent() int64 {
	return m.transfersSent.Load()
}

func (m *StandardMetricsCollector) GetTransfersReceived() int64 {
	return m.transfersReceived.Load()
}

func (m *StandardMetricsCollector) GetDeliveriesSettled() int64 {
	return m.deliveriesSettled.Load()
}

func (m *StandardMetricsCollector) GetDeliveriesAborted() int64 {
	return m.deliveriesAborted.Load()
}

// NoOpMetricsCollector is a metrics collector that does nothing.
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionOpened()        {}
func (n *NoOpMetricsCollector) ConnectionClosed()        {}
func (n *NoOpMetricsCollector) ConnectionError(err error) {}
func (n *NoOpMetricsCollector) SessionBegun()            {}
func (n *NoOpMetricsCollector) SessionEnded()            {}
func (n *NoOpMetricsCollector) LinkAttached()            {}
func (n *NoOpMetricsCollector) LinkDetached()            {}
func (n *NoOpMetricsCollector) LinkResumed()             {}
func (n *NoOpMetricsCollector) TransferSent()            {}
func (n *NoOpMetricsCollector) TransferReceived()        {}
func (n *NoOpMetricsCollector) DeliverySettled()         {}
func (n *NoOpMetricsCollector) DeliveryAborted()         {}

// NewNoOpMetricsCollector creates a no-op metrics collector.
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}
