package amqp

import (
	"crypto/tls"
	"time"

	"github.com/israelio/amqp10-go/scram"
)

// FactoryOption is a functional option for ConnectionFactory.
type FactoryOption func(*ConnectionFactory)

// WithHost sets the host to connect to.
func WithHost(host string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Host = host
	}
}

// WithPort sets the port to connect to.
func WithPort(port int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Port = port
	}
}

// WithContainerID sets the container-id advertised in Open.
func WithContainerID(id string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ContainerID = id
	}
}

// WithHostname sets the hostname field of Open (and the SASL hostname),
// when it should differ from the dialed host.
func WithHostname(hostname string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Hostname = hostname
	}
}

// WithCredentials sets the username and password for SASL.
func WithCredentials(username, password string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Username = username
		cf.Password = password
	}
}

// WithSASLMechanisms restricts which mechanisms the client will accept,
// in preference order (e.g. "SCRAM-SHA-256", "PLAIN", "ANONYMOUS").
func WithSASLMechanisms(mechanisms ...string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.SASLMechanisms = mechanisms
	}
}

// WithSASLAnonymous selects anonymous authentication.
func WithSASLAnonymous() FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.SASLMechanisms = []string{mechAnonymous}
	}
}

// WithTLS enables TLS with the given configuration.
func WithTLS(config *tls.Config) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.TLS = config
	}
}

// WithConnectionTimeout sets the dial-plus-negotiation timeout.
func WithConnectionTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ConnectionTimeout = timeout
	}
}

// WithIdleTimeout sets the idle timeout advertised in Open. The peer is
// expected to produce traffic (heartbeats suffice) within this window;
// silence beyond it is fatal to the connection. Zero disables.
func WithIdleTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.IdleTimeout = timeout
	}
}

// WithMaxFrameSize sets the largest frame this side is willing to accept.
func WithMaxFrameSize(size uint32) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.MaxFrameSize = size
	}
}

// WithChannelMax sets the highest session channel number this side
// supports.
func WithChannelMax(max uint16) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ChannelMax = max
	}
}

// WithProperties sets the connection properties advertised in Open.
func WithProperties(properties map[string]any) FactoryOption {
	return func(cf *ConnectionFactory) {
		if cf.Properties == nil {
			cf.Properties = make(map[string]any)
		}
		for k, v := range properties {
			cf.Properties[k] = v
		}
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector MetricsCollector) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Metrics = collector
	}
}

// WithWebSocketURL dials the given ws:// or wss:// URL instead of a raw
// TCP connection; the AMQP byte stream is tunneled through the socket.
func WithWebSocketURL(url string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.WebSocketURL = url
	}
}

// WithCredentialLookup installs the SCRAM credential store consulted when
// this factory accepts incoming connections.
func WithCredentialLookup(lookup scram.CredentialLookup) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.CredentialLookup = lookup
	}
}

// SessionOptions configures Connection.NewSession.
// Sender settle modes for LinkOptions.SenderSettleMode.
const (
	SenderSettleModeUnsettled uint8 = 0
	SenderSettleModeSettled   uint8 = 1
	SenderSettleModeMixed     uint8 = 2
)

// Receiver settle modes for LinkOptions.ReceiverSettleMode.
const (
	ReceiverSettleModeFirst  uint8 = 0
	ReceiverSettleModeSecond uint8 = 1
)

// SettleMode returns a pointer for the settle-mode fields of LinkOptions.
func SettleMode(mode uint8) *uint8 { return &mode }

type SessionOptions struct {
	// IncomingWindow is the number of transfer frames this session will
	// accept before the sender must wait for a window update.
	IncomingWindow uint32

	// OutgoingWindow advertised to the peer.
	OutgoingWindow uint32

	// HandleMax caps link handles on this session.
	HandleMax uint32
}

// LinkOptions configures Session.NewSender and Session.NewReceiver.
type LinkOptions struct {
	// Name of the link; defaults to a generated unique name. Reattaching
	// with the same name on a fresh link requests resumption.
	Name string

	// Address of the remote terminus: the target for senders, the source
	// for receivers.
	Address string

	// SenderSettleMode: 0 unsettled, 1 settled, 2 mixed.
	SenderSettleMode *uint8

	// ReceiverSettleMode: 0 first, 1 second.
	ReceiverSettleMode *uint8

	// FallbackSettleMode substitutes for an unsupported settle mode
	// requested by the peer instead of rejecting the attach.
	FallbackSettleMode *uint8

	// MaxMessageSize caps a single message in bytes. Zero means no cap.
	MaxMessageSize uint64

	// Credit is the receiver's auto-refill target; credit is topped back
	// up to this level as deliveries are settled. Zero disables
	// auto-refill and credit is issued manually with IssueCredit.
	Credit uint32

	// Durability of the locally authoritative terminus (0 none,
	// 1 configuration, 2 unsettled-state).
	Durability uint8

	// unsettled carries resume state from a previous attach.
	unsettled map[string]*unsettledDelivery
}
