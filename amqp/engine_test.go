package amqp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/israelio/amqp10-go/scram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback opens a client/server connection pair over an in-memory pipe.
func loopback(t *testing.T, clientOpts, serverOpts []FactoryOption) (*Connection, *Connection) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type acceptResult struct {
		conn *Connection
		err  error
	}
	accepted := make(chan acceptResult, 1)
	serverFactory := NewConnectionFactory(serverOpts...)
	go func() {
		conn, err := serverFactory.Accept(ctx, serverSide)
		accepted <- acceptResult{conn, err}
	}()

	clientFactory := NewConnectionFactory(clientOpts...)
	client, err := clientFactory.openClient(ctx, clientSide)
	require.NoError(t, err)

	res := <-accepted
	require.NoError(t, res.err)

	t.Cleanup(func() {
		client.shutdown(nil)
		res.conn.shutdown(nil)
	})
	return client, res.conn
}

func testCredentialLookup(t *testing.T) scram.CredentialLookup {
	t.Helper()
	cred, err := scram.NewCredential(scram.SHA512, "secret", []byte("pepper-salt-0001"), 4096)
	require.NoError(t, err)
	return func(username string) (scram.Credential, bool) {
		if username == "alice" {
			return cred, true
		}
		return scram.Credential{}, false
	}
}

func TestOpenAndCloseHandshake(t *testing.T) {
	client, server := loopback(t,
		[]FactoryOption{WithContainerID("client-container")},
		[]FactoryOption{WithContainerID("server-container")},
	)

	assert.Equal(t, ConnStateOpened, client.State())
	assert.Equal(t, ConnStateOpened, server.State())
	assert.Equal(t, "server-container", client.ContainerID())
	assert.Equal(t, "client-container", server.ContainerID())

	closed := server.NotifyClose(make(chan *Error, 1))
	require.NoError(t, client.Close())

	select {
	case reason := <-closed:
		assert.Nil(t, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}
	assert.Equal(t, ConnStateEnd, client.State())
}

func TestSCRAMAuthenticatedOpen(t *testing.T) {
	client, server := loopback(t,
		[]FactoryOption{WithCredentials("alice", "secret")},
		[]FactoryOption{WithCredentialLookup(testCredentialLookup(t))},
	)
	assert.Equal(t, ConnStateOpened, client.State())
	assert.Equal(t, ConnStateOpened, server.State())
}

func TestSCRAMBadPasswordRejected(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverFactory := NewConnectionFactory(WithCredentialLookup(testCredentialLookup(t)))
	go serverFactory.Accept(ctx, serverSide)

	clientFactory := NewConnectionFactory(WithCredentials("alice", "wrong"))
	_, err := clientFactory.openClient(ctx, clientSide)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestSessionBeginEnd(t *testing.T) {
	client, _ := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, SessionStateMapped, sess.State())

	require.NoError(t, sess.End(ctx))
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never unmapped")
	}
	assert.Nil(t, sess.Err())
}

// serveOneReceiver accepts the first incoming session and link on conn
// and hands each delivery to handle.
func serveOneReceiver(t *testing.T, conn *Connection, credit uint32, handle func(context.Context, *Delivery) error) {
	t.Helper()
	go func() {
		ctx := context.Background()
		sess, ok := <-conn.IncomingSessions()
		if !ok {
			return
		}
		il, ok := <-sess.IncomingLinks()
		if !ok {
			return
		}
		r, err := il.AcceptReceiver(LinkOptions{Credit: credit})
		if err != nil {
			t.Error(err)
			return
		}
		for {
			d, err := r.Receive(ctx)
			if err != nil {
				return
			}
			if err := handle(ctx, d); err != nil {
				t.Error(err)
				return
			}
		}
	}()
}

func TestSendReceiveAccepted(t *testing.T) {
	client, server := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan *Message, 1)
	serveOneReceiver(t, server, 10, func(ctx context.Context, d *Delivery) error {
		received <- d.Message
		return d.Accept(ctx)
	})

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	snd, err := sess.NewSender(ctx, LinkOptions{Address: "orders"})
	require.NoError(t, err)

	msg := NewMessage([]byte("order-17"))
	msg.Properties = &MessageProperties{MessageID: "m-17", To: "orders"}
	state, err := snd.Send(ctx, msg)
	require.NoError(t, err)
	assert.IsType(t, &proto.Accepted{}, state)

	select {
	case got := <-received:
		assert.Equal(t, []byte("order-17"), got.Body())
		require.NotNil(t, got.Properties)
		assert.Equal(t, "m-17", got.Properties.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestSendRejectedOutcome(t *testing.T) {
	client, server := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveOneReceiver(t, server, 10, func(ctx context.Context, d *Delivery) error {
		return d.Reject(ctx, NewError(ConditionNotAllowed, "unwanted"))
	})

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	snd, err := sess.NewSender(ctx, LinkOptions{Address: "orders"})
	require.NoError(t, err)

	state, err := snd.Send(ctx, NewMessage([]byte("nope")))
	require.NoError(t, err)
	rejected, ok := state.(*proto.Rejected)
	require.True(t, ok, "expected rejected, got %T", state)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, proto.ConditionNotAllowed, rejected.Error.Condition)
}

func TestMultiFrameTransferReassembly(t *testing.T) {
	// A small server frame size forces the payload across several
	// transfer frames.
	client, server := loopback(t, nil, []FactoryOption{WithMaxFrameSize(512)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body := bytes.Repeat([]byte("0123456789abcdef"), 256) // 4 KiB
	received := make(chan []byte, 1)
	serveOneReceiver(t, server, 5, func(ctx context.Context, d *Delivery) error {
		received <- d.Message.Body()
		return d.Accept(ctx)
	})

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	snd, err := sess.NewSender(ctx, LinkOptions{Address: "bulk"})
	require.NoError(t, err)

	state, err := snd.Send(ctx, NewMessage(body))
	require.NoError(t, err)
	assert.IsType(t, &proto.Accepted{}, state)

	select {
	case got := <-received:
		assert.Equal(t, body, got)
	case <-time.After(5 * time.Second):
		t.Fatal("reassembled message never arrived")
	}
}

func TestPresettledSend(t *testing.T) {
	client, server := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan *Delivery, 1)
	serveOneReceiver(t, server, 10, func(ctx context.Context, d *Delivery) error {
		received <- d
		return d.Accept(ctx) // no-op for presettled deliveries
	})

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	snd, err := sess.NewSender(ctx, LinkOptions{
		Address:          "telemetry",
		SenderSettleMode: SettleMode(SenderSettleModeSettled),
	})
	require.NoError(t, err)

	state, err := snd.Send(ctx, NewMessage([]byte("fire-and-forget")))
	require.NoError(t, err)
	assert.Nil(t, state)

	select {
	case d := <-received:
		assert.True(t, d.Settled)
		assert.Equal(t, []byte("fire-and-forget"), d.Message.Body())
	case <-time.After(5 * time.Second):
		t.Fatal("presettled message never arrived")
	}
}

func TestReceiverDrain(t *testing.T) {
	client, server := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receiverReady := make(chan *Receiver, 1)
	go func() {
		sess := <-server.IncomingSessions()
		il := <-sess.IncomingLinks()
		r, err := il.AcceptReceiver(LinkOptions{})
		if err != nil {
			t.Error(err)
			return
		}
		receiverReady <- r
	}()

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	snd, err := sess.NewSender(ctx, LinkOptions{Address: "drainable"})
	require.NoError(t, err)

	r := <-receiverReady
	require.NoError(t, r.IssueCredit(5))
	require.NoError(t, r.Drain(ctx))

	assert.Equal(t, uint32(0), r.link.flow.credit())
	assert.Eventually(t, func() bool { return snd.Credit() == 0 },
		2*time.Second, 10*time.Millisecond, "sender credit not drained")
}

func TestAttachRefused(t *testing.T) {
	client, server := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		sess := <-server.IncomingSessions()
		il := <-sess.IncomingLinks()
		il.Reject()
	}()

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	_, err = sess.NewSender(ctx, LinkOptions{Address: "forbidden"})
	assert.ErrorIs(t, err, ErrLinkRefused)
}

func TestSuspendAndReattach(t *testing.T) {
	client, server := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The server keeps accepting attaches for the link's lifetime.
	go func() {
		sess := <-server.IncomingSessions()
		for il := range sess.IncomingLinks() {
			r, err := il.AcceptReceiver(LinkOptions{Credit: 1})
			if err != nil {
				t.Error(err)
				return
			}
			go func() {
				for {
					d, err := r.Receive(context.Background())
					if err != nil {
						return
					}
					d.Accept(context.Background())
				}
			}()
		}
	}()

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	snd, err := sess.NewSender(ctx, LinkOptions{Name: "durable-sender", Address: "queue"})
	require.NoError(t, err)

	state, err := snd.Send(ctx, NewMessage([]byte("before suspend")))
	require.NoError(t, err)
	assert.IsType(t, &proto.Accepted{}, state)

	require.NoError(t, snd.Suspend(ctx))
	assert.Equal(t, LinkStateDetached, snd.State())

	resumed, err := sess.NewSender(ctx, snd.ResumeOptions())
	require.NoError(t, err)
	assert.Equal(t, "durable-sender", resumed.Name())

	state, err = resumed.Send(ctx, NewMessage([]byte("after resume")))
	require.NoError(t, err)
	assert.IsType(t, &proto.Accepted{}, state)
}

func TestDuplicateLinkNameRejected(t *testing.T) {
	client, server := loopback(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		sess := <-server.IncomingSessions()
		il := <-sess.IncomingLinks()
		il.AcceptReceiver(LinkOptions{Credit: 1})
	}()

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	_, err = sess.NewSender(ctx, LinkOptions{Name: "one-of-a-kind", Address: "q"})
	require.NoError(t, err)

	_, err = sess.NewSender(ctx, LinkOptions{Name: "one-of-a-kind", Address: "q"})
	assert.ErrorIs(t, err, ErrDuplicateLinkName)
}

func TestMetricsCollected(t *testing.T) {
	metrics := NewStandardMetricsCollector()
	client, server := loopback(t, []FactoryOption{WithMetricsCollector(metrics)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveOneReceiver(t, server, 10, func(ctx context.Context, d *Delivery) error {
		return d.Accept(ctx)
	})

	sess, err := client.NewSession(ctx, SessionOptions{})
	require.NoError(t, err)
	snd, err := sess.NewSender(ctx, LinkOptions{Address: "metered"})
	require.NoError(t, err)
	_, err = snd.Send(ctx, NewMessage([]byte("count me")))
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.GetConnectionsOpened())
	assert.Equal(t, int64(1), metrics.GetSessionsBegun())
	assert.Equal(t, int64(1), metrics.GetLinksAttached())
	assert.Equal(t, int64(1), metrics.GetTransfersSent())
}
