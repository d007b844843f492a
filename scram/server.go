package scram

import (
	"crypto/hmac"
	"strings"

	"github.com/pkg/errors"
)

// Credential holds the stored verifier data for one user. The server never
// sees the cleartext password.
type Credential struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// NewCredential derives a stored credential from a cleartext password,
// used when provisioning users.
func NewCredential(m Mechanism, password string, salt []byte, iterations int) (Credential, error) {
	saltedPassword, err := m.SaltedPassword(password, salt, iterations)
	if err != nil {
		return Credential{}, err
	}
	keys, err := m.deriveKeys(saltedPassword)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  keys.storedKey,
		ServerKey:  keys.serverKey,
	}, nil
}

// CredentialLookup resolves a username to its stored credential. A false
// return means the user is unknown; the server still fails with the
// generic ErrAuthFailed so unknown users are indistinguishable from wrong
// passwords.
type CredentialLookup func(username string) (Credential, bool)

// Server drives the server side of one SCRAM exchange. Calls must follow
// the sequence ServerFirst, ServerFinal.
type Server struct {
	mechanism Mechanism
	lookup    CredentialLookup

	cred          Credential
	credOK        bool
	combinedNonce string
	clientFirst   string
	serverFirst   string
}

// NewServer creates a server engine for one authentication attempt.
func NewServer(mechanism Mechanism, lookup CredentialLookup) (*Server, error) {
	if _, err := mechanism.hashFunc(); err != nil {
		return nil, err
	}
	return &Server{mechanism: mechanism, lookup: lookup}, nil
}

// ServerFirst consumes the client-first message and produces the
// server-first challenge.
func (s *Server) ServerFirst(clientFirst []byte) ([]byte, error) {
	msg := string(clientFirst)
	if !strings.HasPrefix(msg, gs2Header) {
		return nil, errors.New("scram: unsupported gs2 header")
	}
	bare := msg[len(gs2Header):]
	attrs, err := parseAttrs(bare)
	if err != nil {
		return nil, err
	}
	if _, ok := attrValue(attrs, "m"); ok {
		return nil, errors.New("scram: mandatory extensions are not supported")
	}
	username, ok := attrValue(attrs, "n")
	if !ok {
		return nil, errors.New("scram: client-first message missing username")
	}
	clientNonce, ok := attrValue(attrs, "r")
	if !ok || clientNonce == "" {
		return nil, errors.New("scram: client-first message missing nonce")
	}

	// Look up the user but keep going either way; the failure surfaces
	// only at proof verification, with the generic error.
	s.cred, s.credOK = s.lookup(unescapeSASLName(username))
	if !s.credOK {
		// Present a plausible challenge so the exchange shape does not
		// leak whether the user exists.
		s.cred = Credential{Salt: []byte("0000000000000000"), Iterations: 4096}
	}

	serverNonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	s.combinedNonce = clientNonce + serverNonce
	s.clientFirst = bare
	s.serverFirst = "r=" + s.combinedNonce + ",s=" + b64(s.cred.Salt) + ",i=" + formatIterations(s.cred.Iterations)
	return []byte(s.serverFirst), nil
}

// ServerFinal consumes the client-final message, verifies the proof and
// produces the server-final message.
func (s *Server) ServerFinal(clientFinal []byte) ([]byte, error) {
	if s.serverFirst == "" {
		return nil, errors.New("scram: server-final called before server-first")
	}
	attrs, err := parseAttrs(string(clientFinal))
	if err != nil {
		return nil, err
	}
	nonce, ok := attrValue(attrs, "r")
	if !ok || nonce != s.combinedNonce {
		return nil, ErrAuthFailed
	}
	cb, ok := attrValue(attrs, "c")
	if !ok || cb != channelBindingProof {
		return nil, ErrAuthFailed
	}
	proofB64, ok := attrValue(attrs, "p")
	if !ok {
		return nil, ErrAuthFailed
	}
	proof, err := b64decode("proof", proofB64)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if !s.credOK {
		return nil, ErrAuthFailed
	}

	withoutProof := string(clientFinal[:strings.LastIndex(string(clientFinal), ",p=")])
	authMessage := s.clientFirst + "," + s.serverFirst + "," + withoutProof

	h, err := s.mechanism.hashFunc()
	if err != nil {
		return nil, err
	}
	clientSignature := computeHMAC(h, s.cred.StoredKey, []byte(authMessage))
	if len(proof) != len(clientSignature) {
		return nil, ErrAuthFailed
	}

	// RecoveredKey = proof XOR signature; H(RecoveredKey) must equal the
	// stored key for the proof to be valid.
	recoveredKey := xorBytes(proof, clientSignature)
	digest := h()
	digest.Write(recoveredKey)
	if !hmac.Equal(digest.Sum(nil), s.cred.StoredKey) {
		return nil, ErrAuthFailed
	}

	serverSignature := computeHMAC(h, s.cred.ServerKey, []byte(authMessage))
	return []byte("v=" + b64(serverSignature)), nil
}

func unescapeSASLName(name string) string {
	name = strings.ReplaceAll(name, "=2C", ",")
	return strings.ReplaceAll(name, "=3D", "=")
}
