// Package scram implements the SCRAM-SHA-1, SCRAM-SHA-256 and SCRAM-SHA-512
// SASL mechanisms (RFC 5802) as pure message-in, message-out engines. The
// engines never touch a socket; the SASL negotiation layer feeds them
// challenge bytes and forwards the responses they produce.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Mechanism selects the hash underlying the SCRAM exchange.
type Mechanism string

const (
	SHA1   Mechanism = "SCRAM-SHA-1"
	SHA256 Mechanism = "SCRAM-SHA-256"
	SHA512 Mechanism = "SCRAM-SHA-512"
)

// ErrAuthFailed is returned for any authentication failure. It carries no
// detail so an attacker cannot distinguish a wrong password from an
// unknown user.
var ErrAuthFailed = errors.New("scram: authentication failed")

func (m Mechanism) hashFunc() (func() hash.Hash, error) {
	switch m {
	case SHA1:
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, errors.Errorf("scram: unsupported mechanism %q", string(m))
	}
}

// KeyLen returns the hash output length in bytes.
func (m Mechanism) KeyLen() int {
	switch m {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	default:
		return sha512.Size
	}
}

// SaltedPassword computes Hi(password, salt, iterations), the PBKDF2
// stretch at the root of both key hierarchies.
func (m Mechanism) SaltedPassword(password string, salt []byte, iterations int) ([]byte, error) {
	h, err := m.hashFunc()
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key([]byte(password), salt, iterations, m.KeyLen(), h), nil
}

type derivedKeys struct {
	clientKey []byte
	storedKey []byte
	serverKey []byte
}

func (m Mechanism) deriveKeys(saltedPassword []byte) (derivedKeys, error) {
	h, err := m.hashFunc()
	if err != nil {
		return derivedKeys{}, err
	}
	clientKey := computeHMAC(h, saltedPassword, []byte("Client Key"))
	digest := h()
	digest.Write(clientKey)
	return derivedKeys{
		clientKey: clientKey,
		storedKey: digest.Sum(nil),
		serverKey: computeHMAC(h, saltedPassword, []byte("Server Key")),
	}, nil
}

func computeHMAC(h func() hash.Hash, key, data []byte) []byte {
	mac := hmac.New(h, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// newNonce returns a printable random nonce.
func newNonce() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "scram: generate nonce")
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// saslName escapes '=' and ',' in a username per RFC 5802 §5.1.
func saslName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}

// parseAttrs splits "k=v,k=v" SCRAM message text into ordered pairs.
func parseAttrs(msg string) ([][2]string, error) {
	var attrs [][2]string
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			return nil, errors.Errorf("scram: malformed attribute %q", part)
		}
		attrs = append(attrs, [2]string{part[:1], part[2:]})
	}
	return attrs, nil
}

func attrValue(attrs [][2]string, key string) (string, bool) {
	for _, a := range attrs {
		if a[0] == key {
			return a[1], true
		}
	}
	return "", false
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func b64decode(field, s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "scram: bad base64 in %s", field)
	}
	return data, nil
}

// gs2Header is the channel-binding prefix for clients that neither support
// nor require channel binding.
const gs2Header = "n,,"

// channelBindingProof is base64("n,,"), sent in the client-final c= field.
var channelBindingProof = b64([]byte(gs2Header))

func formatIterations(i int) string {
	return fmt.Sprintf("%d", i)
}
