// Package signing authenticates protocol messages between participants that
// share HMAC keys.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// Header names carried by signed requests.
const (
	HeaderSignature = "X-Signature"
	HeaderKeyID     = "X-Signature-Key-Id"
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderSender    = "X-Participant-Id"
)

// MaxSkew bounds how far a signature timestamp may be from the receiver's clock.
const MaxSkew = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrExpired          = errors.New("signature timestamp outside allowed skew")
)

// Envelope is what a signature covers.
type Envelope struct {
	Participant string
	KeyID       string
	Timestamp   time.Time
	Body        []byte
}

type signaturePayload struct {
	Participant string `json:"participant"`
	KeyID       string `json:"keyId"`
	Timestamp   string `json:"timestamp"`
	BodyDigest  string `json:"bodyDigest"`
}

func buildSignaturePayload(e Envelope) signaturePayload {
	digest := sha256.Sum256(e.Body)
	return signaturePayload{
		Participant: e.Participant,
		KeyID:       e.KeyID,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		BodyDigest:  base64.StdEncoding.EncodeToString(digest[:]),
	}
}

// Sign generates an HMAC signature for the envelope.
func Sign(e Envelope, key []byte) ([]byte, error) {
	data, err := json.Marshal(buildSignaturePayload(e))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify checks sig against the envelope and the timestamp against now.
func Verify(e Envelope, key, sig []byte, now time.Time) error {
	if len(sig) == 0 {
		return ErrMissingSignature
	}
	if d := now.Sub(e.Timestamp); d > MaxSkew || d < -MaxSkew {
		return ErrExpired
	}
	expected, err := Sign(e, key)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, sig) {
		return ErrBadSignature
	}
	return nil
}

// Encode renders a signature for a header.
func Encode(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// Decode parses a header signature. Malformed input decodes to nil.
func Decode(s string) []byte {
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return sig
}
