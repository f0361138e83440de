// Package security implements the confidentiality/integrity envelope
// every inter-node message is wrapped in before it touches the transport:
// AES-256-GCM authenticated encryption keyed from a pre-shared master
// secret via PBKDF2, plus a standalone HMAC helper for handshake MACs.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultAlgorithm is the only cipher this envelope currently speaks.
	DefaultAlgorithm = "aes-256-gcm"

	saltSize  = 16 // 128 bits
	nonceSize = 12 // 96 bits
	keySize   = 32 // 256 bits
)

// ErrDecrypt is returned whenever an envelope fails to verify: wrong key,
// tampered ciphertext/tag/salt/iv, or missing fields. Callers must treat
// this as "drop the message, log, keep running" — never a crash.
var ErrDecrypt = errors.New("security: envelope failed to decrypt/verify")

// Config controls the envelope's KDF and cipher parameters.
type Config struct {
	Enabled       bool
	MasterKey     string
	Algorithm     string // default aes-256-gcm
	KDFIterations int    // default 10000, must be >= 1000
	KeyLength     int    // default 32, must be >= 16
}

func (c Config) normalized() Config {
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.KDFIterations < 1000 {
		c.KDFIterations = 10000
	}
	if c.KeyLength < 16 {
		c.KeyLength = keySize
	}
	return c
}

// Envelope wraps/unwraps peer payloads under a pre-shared master key.
type Envelope struct {
	cfg Config
}

// New constructs an Envelope. If cfg.Enabled is false, Encrypt/Decrypt
// become pass-throughs (see the Encrypted/Unencrypted wire rules below).
func New(cfg Config) *Envelope {
	return &Envelope{cfg: cfg.normalized()}
}

// Enabled reports whether this node requires encryption.
func (e *Envelope) Enabled() bool {
	return e.cfg.Enabled
}

// Wire is the on-the-wire envelope format: binary fields are base64.
// Encrypted=false carries Data verbatim (used only when encryption is
// disabled cluster-wide).
type Wire struct {
	Encrypted  bool   `json:"encrypted"`
	Algorithm  string `json:"algorithm,omitempty"`
	Salt       string `json:"salt,omitempty"`
	IV         string `json:"iv,omitempty"`
	AuthTag    string `json:"authTag,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	IsBuffer   bool   `json:"isBuffer,omitempty"`
	Data       []byte `json:"data,omitempty"`
}

// Encrypt turns payload into a self-describing ciphertext envelope.
// payload may be a raw byte buffer (isBuffer hint set) or any
// JSON-serializable value.
func (e *Envelope) Encrypt(payload any) (Wire, error) {
	if !e.cfg.Enabled {
		raw, err := toBytes(payload)
		if err != nil {
			return Wire{}, err
		}
		return Wire{Encrypted: false, Data: raw}, nil
	}

	plaintext, isBuffer, err := marshalPayload(payload)
	if err != nil {
		return Wire{}, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Wire{}, fmt.Errorf("security: generate salt: %w", err)
	}
	key := e.deriveKey(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return Wire{}, fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Wire{}, fmt.Errorf("security: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Wire{}, fmt.Errorf("security: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	return Wire{
		Encrypted:  true,
		Algorithm:  e.cfg.Algorithm,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IsBuffer:   isBuffer,
	}, nil
}

// Decrypt reverses Encrypt. If w.Encrypted is false, w.Data is returned
// unchanged only when this envelope itself has encryption disabled; an
// encryption-enabled envelope must never accept an unencrypted payload,
// or a peer without the master key could send plaintext and have it
// processed as if it were authenticated. Any verification failure
// returns ErrDecrypt.
func (e *Envelope) Decrypt(w Wire) ([]byte, error) {
	if !w.Encrypted {
		if e.cfg.Enabled {
			return nil, ErrDecrypt
		}
		return w.Data, nil
	}
	if w.Salt == "" || w.IV == "" || w.AuthTag == "" || w.Ciphertext == "" {
		return nil, ErrDecrypt
	}

	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(w.IV)
	if err != nil {
		return nil, ErrDecrypt
	}
	tag, err := base64.StdEncoding.DecodeString(w.AuthTag)
	if err != nil {
		return nil, ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}

	key := e.deriveKey(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecrypt
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// deriveKey runs PBKDF2-HMAC-SHA256 over the master key and a fresh salt.
func (e *Envelope) deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(e.cfg.MasterKey), salt, e.cfg.KDFIterations, e.cfg.KeyLength, sha256.New)
}

// MAC computes an HMAC-SHA-256 tag over the canonical JSON form of data,
// keyed by the master key. Used for handshake challenge/response, not for
// per-message confidentiality.
func (e *Envelope) MAC(data any) (string, error) {
	canon, err := canonicalJSON(data)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(e.cfg.MasterKey))
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyMAC checks tag against MAC(data) in constant time.
func (e *Envelope) VerifyMAC(data any, tag string) bool {
	expected, err := e.MAC(data)
	if err != nil {
		return false
	}
	expectedBytes, err1 := hex.DecodeString(expected)
	gotBytes, err2 := hex.DecodeString(tag)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(expectedBytes, gotBytes)
}

// Handshake is the challenge a node sends a peer to confirm both sides
// share the same master key before relying on it for replication traffic.
type Handshake struct {
	NodeID string `json:"nodeId"`
	Nonce  string `json:"nonce"`
	Tag    string `json:"tag"`
}

// HandshakeResponse echoes the nonce back signed with the responder's own
// key, proving possession without revealing the key itself.
type HandshakeResponse struct {
	NodeID string `json:"nodeId"`
	Tag    string `json:"tag"`
}

// Challenge builds a fresh Handshake for nodeID, MAC-ing its own nonce.
func (e *Envelope) Challenge(nodeID string) (Handshake, error) {
	nonce, err := GenerateSecureID()
	if err != nil {
		return Handshake{}, err
	}
	tag, err := e.MAC(nonce)
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{NodeID: nodeID, Nonce: nonce, Tag: tag}, nil
}

// Respond verifies an inbound Handshake's tag and signs the same nonce
// with this node's own key material.
func (e *Envelope) Respond(nodeID string, h Handshake) (HandshakeResponse, bool, error) {
	if !e.VerifyMAC(h.Nonce, h.Tag) {
		return HandshakeResponse{}, false, nil
	}
	tag, err := e.MAC(h.Nonce)
	if err != nil {
		return HandshakeResponse{}, false, err
	}
	return HandshakeResponse{NodeID: nodeID, Tag: tag}, true, nil
}

// VerifyResponse checks that resp's tag matches nonce under this node's
// own key, confirming the peer shares the same master key.
func (e *Envelope) VerifyResponse(nonce string, resp HandshakeResponse) bool {
	return e.VerifyMAC(nonce, resp.Tag)
}

// GenerateSecureID returns 128 random bits, hex-encoded — used for msgId,
// requestId, syncId, and responseId across the wire protocol.
func GenerateSecureID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// canonicalJSON serializes v deterministically. encoding/json already
// sorts map[string]any keys, which is sufficient canonicalization for the
// map-shaped values this system ever MACs.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func toBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// marshalPayload converts payload into bytes plus an isBuffer hint: raw
// []byte stays raw, strings are UTF-8, everything else is JSON.
func marshalPayload(payload any) ([]byte, bool, error) {
	switch v := payload.(type) {
	case []byte:
		return v, true, nil
	case string:
		return []byte(v), false, nil
	default:
		b, err := json.Marshal(v)
		return b, false, err
	}
}
