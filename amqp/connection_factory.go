package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/israelio/amqp10-go/scram"
	"github.com/pkg/errors"
)

// ConnectionFactory creates and configures AMQP 1.0 connections.
type ConnectionFactory struct {
	// Connection settings
	Host string
	Port int

	// Open parameters
	ContainerID string
	Hostname    string

	// SASL settings. An empty username skips SASL on the client side
	// unless SASLMechanisms forces ANONYMOUS.
	Username       string
	Password       string
	SASLMechanisms []string

	// CredentialLookup backs SCRAM verification for accepted connections.
	CredentialLookup scram.CredentialLookup

	// TLS configuration
	TLS *tls.Config

	// Timeouts
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration

	// AMQP parameters
	MaxFrameSize uint32
	ChannelMax   uint16

	// Properties advertised in Open
	Properties map[string]any

	// WebSocketURL, when set, tunnels the connection over a websocket.
	WebSocketURL string

	// Metrics
	Metrics MetricsCollector
}

// NewConnectionFactory creates a new ConnectionFactory with sensible
// defaults.
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cf := &ConnectionFactory{
		Host:              "localhost",
		Port:              5672,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxFrameSize:      65536,
		ChannelMax:        255,
	}

	for _, opt := range opts {
		opt(cf)
	}

	if cf.ContainerID == "" {
		cf.ContainerID = "amqp10-go-" + uuid.NewString()
	}
	if cf.Hostname == "" {
		cf.Hostname = cf.Host
	}
	if cf.Metrics == nil {
		cf.Metrics = NewNoOpMetricsCollector()
	}
	if len(cf.SASLMechanisms) == 0 {
		cf.SASLMechanisms = []string{
			string(scram.SHA512), string(scram.SHA256), string(scram.SHA1), mechPlain,
		}
	}

	return cf
}

// Validate validates the factory configuration.
func (cf *ConnectionFactory) Validate() error {
	if cf.Host == "" && cf.WebSocketURL == "" {
		return errors.New("amqp: host cannot be empty")
	}
	if cf.WebSocketURL == "" && (cf.Port <= 0 || cf.Port > 65535) {
		return errors.Errorf("amqp: port must be between 1 and 65535, got %d", cf.Port)
	}
	if cf.MaxFrameSize != 0 && cf.MaxFrameSize < 512 {
		return errors.Errorf("amqp: max frame size must be 0 or >= 512, got %d", cf.MaxFrameSize)
	}
	if cf.ConnectionTimeout < 0 {
		return errors.Errorf("amqp: connection timeout cannot be negative, got %v", cf.ConnectionTimeout)
	}
	if cf.IdleTimeout < 0 {
		return errors.Errorf("amqp: idle timeout cannot be negative, got %v", cf.IdleTimeout)
	}
	return nil
}

// NewConnection dials, negotiates and opens a connection.
func (cf *ConnectionFactory) NewConnection(ctx context.Context) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cf.ConnectionTimeout)
	defer cancel()

	netConn, err := cf.dial(dialCtx)
	if err != nil {
		return nil, errors.Wrap(err, "amqp: dial")
	}

	conn, err := cf.openClient(dialCtx, netConn)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return conn, nil
}

// openClient negotiates and opens the client side on an established
// transport. Split from NewConnection so tests and custom transports can
// drive it over any net.Conn.
func (cf *ConnectionFactory) openClient(ctx context.Context, netConn net.Conn) (*Connection, error) {
	conn := newConnection(cf, netConn)

	if err := conn.negotiateClient(ctx); err != nil {
		cf.Metrics.ConnectionError(err)
		return nil, err
	}
	if err := conn.openExchange(ctx, true); err != nil {
		cf.Metrics.ConnectionError(err)
		return nil, err
	}

	conn.start()
	cf.Metrics.ConnectionOpened()
	return conn, nil
}

// Accept negotiates and opens the listener side of a connection on an
// already-accepted transport. SASL is offered when CredentialLookup is
// set; SCRAM mechanisms are served from it.
func (cf *ConnectionFactory) Accept(ctx context.Context, netConn net.Conn) (*Connection, error) {
	if cf.Metrics == nil {
		cf.Metrics = NewNoOpMetricsCollector()
	}
	conn := newConnection(cf, netConn)

	if err := conn.negotiateServer(ctx); err != nil {
		cf.Metrics.ConnectionError(err)
		return nil, err
	}
	if err := conn.openExchange(ctx, false); err != nil {
		cf.Metrics.ConnectionError(err)
		return nil, err
	}

	conn.start()
	cf.Metrics.ConnectionOpened()
	return conn, nil
}

// dial establishes the transport: websocket, TLS or plain TCP.
func (cf *ConnectionFactory) dial(ctx context.Context) (net.Conn, error) {
	if cf.WebSocketURL != "" {
		return DialWebSocket(ctx, cf.WebSocketURL, cf.TLS)
	}

	addr := fmt.Sprintf("%s:%d", cf.Host, cf.Port)
	dialer := &net.Dialer{Timeout: cf.ConnectionTimeout}

	if cf.TLS != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cf.TLS}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}
