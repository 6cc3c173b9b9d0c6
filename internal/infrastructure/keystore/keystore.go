// Package keystore holds the HMAC keys shared with counterparties.
package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrKeyNotFound = errors.New("key not found")

// StaticKeyStore is a simple in-memory keystore.
type StaticKeyStore struct {
	keys         map[string][]byte
	defaultKeyID string
	// perParticipant pins the key id a participant must sign with.
	perParticipant map[string]string
}

// New builds a keystore. raw has the form "keyId:hex,keyId2:hex".
func New(raw, defaultKeyID string, perParticipant map[string]string) (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, errors.New("invalid signing keys format")
		}
		b, err := hex.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", parts[0], err)
		}
		keys[parts[0]] = b
	}
	if defaultKeyID != "" {
		if _, ok := keys[defaultKeyID]; !ok {
			return nil, fmt.Errorf("default signing key %s: %w", defaultKeyID, ErrKeyNotFound)
		}
	}
	pinned := make(map[string]string, len(perParticipant))
	for participant, keyID := range perParticipant {
		if _, ok := keys[keyID]; !ok {
			return nil, fmt.Errorf("signing key %s for %s: %w", keyID, participant, ErrKeyNotFound)
		}
		pinned[participant] = keyID
	}
	return &StaticKeyStore{keys: keys, defaultKeyID: defaultKeyID, perParticipant: pinned}, nil
}

// Empty reports whether no keys are configured.
func (s *StaticKeyStore) Empty() bool { return len(s.keys) == 0 }

func (s *StaticKeyStore) GetKey(ctx context.Context, keyID string) ([]byte, error) {
	_ = ctx
	key, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// GetKeyForParticipant returns the key participant signs with: its pinned key
// or the default one.
func (s *StaticKeyStore) GetKeyForParticipant(ctx context.Context, participant string) (keyID string, key []byte, err error) {
	if pinned, ok := s.perParticipant[participant]; ok {
		key, err = s.GetKey(ctx, pinned)
		return pinned, key, err
	}
	if s.defaultKeyID == "" {
		return "", nil, errors.New("default key not configured")
	}
	key, err = s.GetKey(ctx, s.defaultKeyID)
	return s.defaultKeyID, key, err
}

// Accepts reports whether participant may sign with keyID. Participants
// without a pinned key may use any configured key.
func (s *StaticKeyStore) Accepts(participant, keyID string) bool {
	if pinned, ok := s.perParticipant[participant]; ok {
		return pinned == keyID
	}
	_, ok := s.keys[keyID]
	return ok
}
