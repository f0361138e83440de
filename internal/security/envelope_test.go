package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEnvelope() *Envelope {
	return New(Config{Enabled: true, MasterKey: "correct horse battery staple"})
}

func TestEncryptDecryptRoundTripString(t *testing.T) {
	e := testEnvelope()
	w, err := e.Encrypt("hello world")
	require.NoError(t, err)
	require.True(t, w.Encrypted)

	out, err := e.Decrypt(w)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(out))
}

func TestEncryptDecryptRoundTripObject(t *testing.T) {
	e := testEnvelope()
	payload := map[string]any{"msg": "hi", "n": float64(42)}
	w, err := e.Encrypt(payload)
	require.NoError(t, err)

	out, err := e.Decrypt(w)
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"hi","n":42}`, string(out))
}

func TestEncryptDecryptRoundTripBuffer(t *testing.T) {
	e := testEnvelope()
	raw := []byte{0x01, 0x02, 0x03, 0xff}
	w, err := e.Encrypt(raw)
	require.NoError(t, err)
	require.True(t, w.IsBuffer)

	out, err := e.Decrypt(w)
	require.NoError(t, err)
	require.Equal(t, raw, out)
}

func TestDecryptFailsWithWrongKey(t *testing.T) {
	e1 := New(Config{Enabled: true, MasterKey: "key-one-is-long-enough"})
	e2 := New(Config{Enabled: true, MasterKey: "key-two-is-long-enough"})

	w, err := e1.Encrypt("secret")
	require.NoError(t, err)

	_, err = e2.Decrypt(w)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	e := testEnvelope()
	w, err := e.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xff
	w.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	_, err = e.Decrypt(w)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptFailsOnTamperedTag(t *testing.T) {
	e := testEnvelope()
	w, err := e.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(w.AuthTag)
	require.NoError(t, err)
	raw[0] ^= 0xff
	w.AuthTag = base64.StdEncoding.EncodeToString(raw)

	_, err = e.Decrypt(w)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestUnencryptedPassThrough(t *testing.T) {
	e := New(Config{Enabled: false})
	w, err := e.Encrypt("plain")
	require.NoError(t, err)
	require.False(t, w.Encrypted)

	out, err := e.Decrypt(w)
	require.NoError(t, err)
	require.Equal(t, "plain", string(out))
}

func TestDecryptRejectsUnencryptedWireWhenEnabled(t *testing.T) {
	e := testEnvelope()
	w := Wire{Encrypted: false, Data: []byte("plain")}

	_, err := e.Decrypt(w)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestMACVerify(t *testing.T) {
	e := testEnvelope()
	tag, err := e.MAC(map[string]any{"a": float64(1)})
	require.NoError(t, err)
	require.True(t, e.VerifyMAC(map[string]any{"a": float64(1)}, tag))
	require.False(t, e.VerifyMAC(map[string]any{"a": float64(2)}, tag))
}

func TestHandshakeSucceedsWithMatchingKeys(t *testing.T) {
	initiator := testEnvelope()
	responder := testEnvelope()

	challenge, err := initiator.Challenge("n1")
	require.NoError(t, err)

	resp, ok, err := responder.Respond("n2", challenge)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, initiator.VerifyResponse(challenge.Nonce, resp))
}

func TestHandshakeFailsWithMismatchedKeys(t *testing.T) {
	initiator := New(Config{Enabled: true, MasterKey: "key-one-is-long-enough"})
	responder := New(Config{Enabled: true, MasterKey: "key-two-is-long-enough"})

	challenge, err := initiator.Challenge("n1")
	require.NoError(t, err)

	_, ok, err := responder.Respond("n2", challenge)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGenerateSecureIDIsRandomHex128Bits(t *testing.T) {
	a, err := GenerateSecureID()
	require.NoError(t, err)
	b, err := GenerateSecureID()
	require.NoError(t, err)
	require.Len(t, a, 32) // 16 bytes hex-encoded
	require.NotEqual(t, a, b)
}
