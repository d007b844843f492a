package scram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLookup(t *testing.T, m Mechanism) CredentialLookup {
	t.Helper()
	cred, err := NewCredential(m, "hunter2", []byte("pepper-salt-0123"), 4096)
	require.NoError(t, err)
	return func(username string) (Credential, bool) {
		if username == "alice" {
			return cred, true
		}
		return Credential{}, false
	}
}

func runExchange(t *testing.T, client *Client, server *Server) error {
	t.Helper()
	serverFirst, err := server.ServerFirst(client.ClientFirst())
	require.NoError(t, err)

	clientFinal, err := client.ClientFinal(serverFirst)
	require.NoError(t, err)

	serverFinal, err := server.ServerFinal(clientFinal)
	if err != nil {
		return err
	}
	return client.VerifyServerFinal(serverFinal)
}

func TestFullExchange(t *testing.T) {
	for _, m := range []Mechanism{SHA1, SHA256, SHA512} {
		t.Run(string(m), func(t *testing.T) {
			client, err := NewClient(m, "alice", "hunter2")
			require.NoError(t, err)
			server, err := NewServer(m, testLookup(t, m))
			require.NoError(t, err)

			assert.NoError(t, runExchange(t, client, server))
		})
	}
}

func TestWrongPassword(t *testing.T) {
	client, err := NewClient(SHA256, "alice", "wrong")
	require.NoError(t, err)
	server, err := NewServer(SHA256, testLookup(t, SHA256))
	require.NoError(t, err)

	err = runExchange(t, client, server)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestUnknownUserGenericFailure(t *testing.T) {
	client, err := NewClient(SHA256, "mallory", "hunter2")
	require.NoError(t, err)
	server, err := NewServer(SHA256, testLookup(t, SHA256))
	require.NoError(t, err)

	err = runExchange(t, client, server)
	// Same error as a wrong password; nothing must reveal that the user
	// does not exist.
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestClientRejectsMandatoryExtension(t *testing.T) {
	client, err := NewClient(SHA256, "alice", "hunter2")
	require.NoError(t, err)
	client.ClientFirst()

	_, err = client.ClientFinal([]byte("m=ext,r=" + client.nonce + "abc,s=cGVwcGVy,i=4096"))
	assert.ErrorContains(t, err, "mandatory extensions")
}

func TestClientRejectsForeignNonce(t *testing.T) {
	client, err := NewClient(SHA256, "alice", "hunter2")
	require.NoError(t, err)
	client.ClientFirst()

	// Server nonce that does not extend the client nonce.
	_, err = client.ClientFinal([]byte("r=stolen-nonce,s=cGVwcGVy,i=4096"))
	assert.ErrorContains(t, err, "nonce")

	// Server echoing the client nonce unextended is also rejected.
	_, err = client.ClientFinal([]byte("r=" + client.nonce + ",s=cGVwcGVy,i=4096"))
	assert.ErrorContains(t, err, "nonce")
}

func TestClientRejectsBadIterationCount(t *testing.T) {
	client, err := NewClient(SHA256, "alice", "hunter2")
	require.NoError(t, err)
	client.ClientFirst()

	for _, iter := range []string{"0", "-1", "many"} {
		_, err = client.ClientFinal([]byte("r=" + client.nonce + "srv,s=cGVwcGVy,i=" + iter))
		assert.Error(t, err, "iteration count %q must be rejected", iter)
	}
}

func TestClientDetectsForgedServerSignature(t *testing.T) {
	client, err := NewClient(SHA256, "alice", "hunter2")
	require.NoError(t, err)
	server, err := NewServer(SHA256, testLookup(t, SHA256))
	require.NoError(t, err)

	serverFirst, err := server.ServerFirst(client.ClientFirst())
	require.NoError(t, err)
	clientFinal, err := client.ClientFinal(serverFirst)
	require.NoError(t, err)
	_, err = server.ServerFinal(clientFinal)
	require.NoError(t, err)

	err = client.VerifyServerFinal([]byte("v=Zm9yZ2Vk"))
	assert.ErrorContains(t, err, "signature")
}

func TestServerRejectsTamperedNonce(t *testing.T) {
	client, err := NewClient(SHA256, "alice", "hunter2")
	require.NoError(t, err)
	server, err := NewServer(SHA256, testLookup(t, SHA256))
	require.NoError(t, err)

	serverFirst, err := server.ServerFirst(client.ClientFirst())
	require.NoError(t, err)
	clientFinal, err := client.ClientFinal(serverFirst)
	require.NoError(t, err)

	tampered := strings.Replace(string(clientFinal), ",r="+server.combinedNonce, ",r="+server.combinedNonce+"x", 1)
	_, err = server.ServerFinal([]byte(tampered))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestUsernameEscaping(t *testing.T) {
	m := SHA256
	cred, err := NewCredential(m, "pw", []byte("salt-salt-salt-1"), 4096)
	require.NoError(t, err)
	lookup := func(username string) (Credential, bool) {
		return cred, username == "a=b,c"
	}

	client, err := NewClient(m, "a=b,c", "pw")
	require.NoError(t, err)
	server, err := NewServer(m, lookup)
	require.NoError(t, err)

	first := client.ClientFirst()
	assert.Contains(t, string(first), "n=a=3Db=2Cc")
	serverFirst, err := server.ServerFirst(first)
	require.NoError(t, err)
	clientFinal, err := client.ClientFinal(serverFirst)
	require.NoError(t, err)
	serverFinal, err := server.ServerFinal(clientFinal)
	require.NoError(t, err)
	assert.NoError(t, client.VerifyServerFinal(serverFinal))
}
