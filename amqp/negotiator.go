package amqp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"

	"github.com/israelio/amqp10-go/internal/encoding"
	"github.com/israelio/amqp10-go/internal/frame"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/israelio/amqp10-go/scram"
	"github.com/pkg/errors"
)

const (
	mechPlain     = "PLAIN"
	mechAnonymous = "ANONYMOUS"
)

// HeaderMismatchError reports a protocol header that differs from the one
// sent. The received header is carried so the caller can decide to
// renegotiate (e.g. offer SASL when the peer demands it).
type HeaderMismatchError struct {
	Sent     frame.ProtocolHeader
	Received frame.ProtocolHeader
}

func (e *HeaderMismatchError) Error() string {
	return fmt.Sprintf("amqp: protocol header mismatch: sent %s, received %s", e.Sent, e.Received)
}

// exchangeHeader writes h and requires the same header back.
func (c *Connection) exchangeHeader(h frame.ProtocolHeader) error {
	c.setState(ConnStateHeaderSent)
	if err := c.fw.WriteProtocolHeader(h); err != nil {
		return errors.Wrap(err, "amqp: send protocol header")
	}
	received, err := c.fr.ReadProtocolHeader()
	if err != nil {
		return errors.Wrap(err, "amqp: receive protocol header")
	}
	if received != h {
		return &HeaderMismatchError{Sent: h, Received: received}
	}
	c.setState(ConnStateHeaderExchange)
	return nil
}

// negotiateClient performs the client side of protocol negotiation: an
// optional SASL layer followed by the AMQP header exchange.
func (c *Connection) negotiateClient(ctx context.Context) error {
	if c.wantSASL() {
		if err := c.exchangeHeader(frame.HeaderSASL); err != nil {
			return err
		}
		if err := c.saslClient(ctx); err != nil {
			return err
		}
	}
	return c.exchangeHeader(frame.HeaderAMQP)
}

// negotiateServer performs the listener side: read the client's header
// first, then mirror the selected protocol layer. A TLS header restarts
// negotiation on the wrapped stream.
func (c *Connection) negotiateServer(ctx context.Context) error {
	for {
		c.setState(ConnStateStart)
		received, err := c.fr.ReadProtocolHeader()
		if err != nil {
			return errors.Wrap(err, "amqp: receive protocol header")
		}
		c.setState(ConnStateHeaderReceived)

		switch received.ProtoID {
		case proto.ProtoIDTLS:
			if c.factory.TLS == nil {
				// Answer with what we do support before giving up.
				c.fw.WriteProtocolHeader(frame.HeaderAMQP)
				return errors.New("amqp: peer requested tls but no tls config is set")
			}
			if err := c.fw.WriteProtocolHeader(frame.HeaderTLS); err != nil {
				return errors.Wrap(err, "amqp: echo tls header")
			}
			tlsConn := tls.Server(c.conn, c.factory.TLS)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return errors.Wrap(err, "amqp: tls handshake")
			}
			c.conn = tlsConn
			c.fr.Reset(tlsConn)
			c.fw.Reset(tlsConn)
			// Header exchange restarts on the wrapped stream.
			continue

		case proto.ProtoIDSASL:
			if err := c.fw.WriteProtocolHeader(frame.HeaderSASL); err != nil {
				return errors.Wrap(err, "amqp: echo sasl header")
			}
			c.setState(ConnStateHeaderExchange)
			if err := c.saslServer(ctx); err != nil {
				return err
			}
			continue

		case proto.ProtoIDAMQP:
			if err := c.fw.WriteProtocolHeader(frame.HeaderAMQP); err != nil {
				return errors.Wrap(err, "amqp: echo amqp header")
			}
			c.setState(ConnStateHeaderExchange)
			return nil
		}
	}
}

// wantSASL reports whether the client should request the SASL layer.
func (c *Connection) wantSASL() bool {
	if c.factory.Username != "" {
		return true
	}
	for _, m := range c.factory.SASLMechanisms {
		if m == mechAnonymous {
			return true
		}
	}
	return false
}

func (c *Connection) writeSASL(body proto.SASLFrame) error {
	var buf bytes.Buffer
	if err := body.Encode(&buf); err != nil {
		return errors.Wrapf(err, "amqp: encode %s", body.Name())
	}
	return c.fw.WriteFrame(frame.NewSASLFrame(buf.Bytes()))
}

func (c *Connection) readSASL() (proto.SASLFrame, error) {
	f, err := c.fr.ReadFrame()
	if err != nil {
		return nil, errors.Wrap(err, "amqp: read sasl frame")
	}
	if f.Type != frame.TypeSASL {
		return nil, errors.Errorf("amqp: expected sasl frame, got %s", f)
	}
	return proto.DecodeSASLFrame(f.Body)
}

// saslClient drives Mechanisms -> Init -> Challenge*/Response* -> Outcome.
func (c *Connection) saslClient(ctx context.Context) error {
	first, err := c.readSASL()
	if err != nil {
		return err
	}
	mechs, ok := first.(*proto.SASLMechanisms)
	if !ok {
		return errors.Errorf("amqp: expected sasl-mechanisms, got %s", first.Name())
	}

	mechanism := c.selectMechanism(mechs.Mechanisms)
	if mechanism == "" {
		return errors.Wrapf(ErrAuthFailure, "no shared mechanism in %v", mechs.Mechanisms)
	}
	log().Debug().Str("mechanism", mechanism).Msg("sasl mechanism selected")

	var scramClient *scram.Client
	init := &proto.SASLInit{
		Mechanism: encoding.Symbol(mechanism),
		Hostname:  c.factory.Hostname,
	}
	switch mechanism {
	case mechPlain:
		init.InitialResponse = []byte("\x00" + c.factory.Username + "\x00" + c.factory.Password)
	case mechAnonymous:
		init.InitialResponse = []byte(c.factory.ContainerID)
	default:
		scramClient, err = scram.NewClient(scram.Mechanism(mechanism), c.factory.Username, c.factory.Password)
		if err != nil {
			return err
		}
		init.InitialResponse = scramClient.ClientFirst()
	}
	if err := c.writeSASL(init); err != nil {
		return err
	}

	for {
		reply, err := c.readSASL()
		if err != nil {
			return err
		}
		switch body := reply.(type) {
		case *proto.SASLChallenge:
			if scramClient == nil {
				return errors.Errorf("amqp: unexpected sasl challenge for %s", mechanism)
			}
			response, err := scramClient.ClientFinal(body.Challenge)
			if err != nil {
				return err
			}
			if err := c.writeSASL(&proto.SASLResponse{Response: response}); err != nil {
				return err
			}
		case *proto.SASLOutcome:
			if body.Code != proto.SASLCodeOK {
				return errors.Wrapf(ErrAuthFailure, "sasl outcome code %d", body.Code)
			}
			if scramClient != nil {
				if err := scramClient.VerifyServerFinal(body.AdditionalData); err != nil {
					return err
				}
			}
			return nil
		default:
			return errors.Errorf("amqp: unexpected %s during sasl exchange", reply.Name())
		}
	}
}

// selectMechanism picks the first locally preferred mechanism the server
// offers.
func (c *Connection) selectMechanism(offered []encoding.Symbol) string {
	for _, preferred := range c.factory.SASLMechanisms {
		if preferred == mechPlain && c.factory.Username == "" {
			continue
		}
		for _, o := range offered {
			if string(o) == preferred {
				return preferred
			}
		}
	}
	return ""
}

// saslServer drives the listener side of the SASL exchange.
func (c *Connection) saslServer(ctx context.Context) error {
	offered := []encoding.Symbol{
		encoding.Symbol(scram.SHA512),
		encoding.Symbol(scram.SHA256),
		encoding.Symbol(scram.SHA1),
		mechAnonymous,
	}
	if err := c.writeSASL(&proto.SASLMechanisms{Mechanisms: offered}); err != nil {
		return err
	}

	reply, err := c.readSASL()
	if err != nil {
		return err
	}
	init, ok := reply.(*proto.SASLInit)
	if !ok {
		return errors.Errorf("amqp: expected sasl-init, got %s", reply.Name())
	}

	fail := func() error {
		c.writeSASL(&proto.SASLOutcome{Code: proto.SASLCodeAuth})
		return errors.Wrapf(ErrAuthFailure, "mechanism %s", init.Mechanism)
	}

	switch string(init.Mechanism) {
	case mechAnonymous:
		return c.writeSASL(&proto.SASLOutcome{Code: proto.SASLCodeOK})

	case string(scram.SHA1), string(scram.SHA256), string(scram.SHA512):
		if c.factory.CredentialLookup == nil {
			return fail()
		}
		server, err := scram.NewServer(scram.Mechanism(init.Mechanism), c.factory.CredentialLookup)
		if err != nil {
			return fail()
		}
		serverFirst, err := server.ServerFirst(init.InitialResponse)
		if err != nil {
			return fail()
		}
		if err := c.writeSASL(&proto.SASLChallenge{Challenge: serverFirst}); err != nil {
			return err
		}
		reply, err := c.readSASL()
		if err != nil {
			return err
		}
		response, ok := reply.(*proto.SASLResponse)
		if !ok {
			return fail()
		}
		serverFinal, err := server.ServerFinal(response.Response)
		if err != nil {
			return fail()
		}
		return c.writeSASL(&proto.SASLOutcome{Code: proto.SASLCodeOK, AdditionalData: serverFinal})

	default:
		return fail()
	}
}
