package scram

import (
	"crypto/hmac"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Client drives the client side of one SCRAM exchange. Calls must follow
// the sequence ClientFirst, ClientFinal, VerifyServerFinal.
type Client struct {
	mechanism Mechanism
	username  string
	password  string
	nonce     string

	clientFirstBare string
	serverSignature []byte
}

// NewClient creates a client engine for one authentication attempt.
func NewClient(mechanism Mechanism, username, password string) (*Client, error) {
	if _, err := mechanism.hashFunc(); err != nil {
		return nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	return &Client{
		mechanism: mechanism,
		username:  username,
		password:  password,
		nonce:     nonce,
	}, nil
}

// ClientFirst produces the client-first message, the SASL initial response.
func (c *Client) ClientFirst() []byte {
	c.clientFirstBare = "n=" + saslName(c.username) + ",r=" + c.nonce
	return []byte(gs2Header + c.clientFirstBare)
}

// ClientFinal consumes the server-first challenge and produces the
// client-final message carrying the proof.
func (c *Client) ClientFinal(serverFirst []byte) ([]byte, error) {
	attrs, err := parseAttrs(string(serverFirst))
	if err != nil {
		return nil, err
	}
	if _, ok := attrValue(attrs, "m"); ok {
		return nil, errors.New("scram: mandatory extensions are not supported")
	}

	combinedNonce, ok := attrValue(attrs, "r")
	if !ok {
		return nil, errors.New("scram: server-first message missing nonce")
	}
	// The server nonce must extend, not replace, the client nonce.
	if !strings.HasPrefix(combinedNonce, c.nonce) || combinedNonce == c.nonce {
		return nil, errors.New("scram: server nonce does not extend client nonce")
	}

	saltB64, ok := attrValue(attrs, "s")
	if !ok {
		return nil, errors.New("scram: server-first message missing salt")
	}
	salt, err := b64decode("salt", saltB64)
	if err != nil {
		return nil, err
	}

	iterStr, ok := attrValue(attrs, "i")
	if !ok {
		return nil, errors.New("scram: server-first message missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return nil, errors.Errorf("scram: bad iteration count %q", iterStr)
	}

	saltedPassword, err := c.mechanism.SaltedPassword(c.password, salt, iterations)
	if err != nil {
		return nil, err
	}
	keys, err := c.mechanism.deriveKeys(saltedPassword)
	if err != nil {
		return nil, err
	}

	withoutProof := "c=" + channelBindingProof + ",r=" + combinedNonce
	authMessage := c.clientFirstBare + "," + string(serverFirst) + "," + withoutProof

	h, err := c.mechanism.hashFunc()
	if err != nil {
		return nil, err
	}
	clientSignature := computeHMAC(h, keys.storedKey, []byte(authMessage))
	proof := xorBytes(keys.clientKey, clientSignature)
	c.serverSignature = computeHMAC(h, keys.serverKey, []byte(authMessage))

	return []byte(withoutProof + ",p=" + b64(proof)), nil
}

// VerifyServerFinal checks the server-final message, proving the server
// also knows the password derivatives.
func (c *Client) VerifyServerFinal(serverFinal []byte) error {
	attrs, err := parseAttrs(string(serverFinal))
	if err != nil {
		return err
	}
	if reason, ok := attrValue(attrs, "e"); ok {
		return errors.Errorf("scram: server rejected authentication: %s", reason)
	}
	sigB64, ok := attrValue(attrs, "v")
	if !ok {
		return errors.New("scram: server-final message missing verifier")
	}
	sig, err := b64decode("verifier", sigB64)
	if err != nil {
		return err
	}
	if len(c.serverSignature) == 0 {
		return errors.New("scram: verify called before client-final")
	}
	if !hmac.Equal(sig, c.serverSignature) {
		return errors.New("scram: server signature mismatch")
	}
	return nil
}
