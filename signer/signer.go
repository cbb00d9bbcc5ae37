// Package signer gives the core an opaque signer handle: sign(event) ->
// signed_event. Key material, encryption at rest, and prompting all live
// outside the core; this package only wraps the secp256k1 primitives used
// to sign events the core emits and to verify events the core consumes.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrgit/ngit/errs"
)

// Signer signs outgoing events with a private key the caller owns. It never
// exposes the key itself.
type Signer struct {
	priv   *secp256k1.PrivateKey
	pubHex string
}

// New wraps a raw 32-byte hex-encoded secp256k1 private key.
func New(privHex string) (*Signer, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	pub := priv.PubKey().SerializeCompressed()[1:] // x-only
	return &Signer{priv: priv, pubHex: hex.EncodeToString(pub)}, nil
}

// PubKeyHex returns the signer's public key, hex-encoded, x-only (32 bytes).
func (s *Signer) PubKeyHex() string {
	return s.pubHex
}

// Sign computes the event id and a schnorr signature over it, in place, and
// sets PubKey to the signer's own key.
func (s *Signer) Sign(ev *nostr.Event) error {
	ev.PubKey = s.pubHex
	id, err := serializeID(ev)
	if err != nil {
		return fmt.Errorf("serialize event for signing: %w", err)
	}
	ev.ID = id
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return fmt.Errorf("schnorr sign: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks an incoming event's signature against its claimed pubkey and
// id. It never mutates the event.
func Verify(ev *nostr.Event) error {
	wantID, err := serializeID(ev)
	if err != nil {
		return fmt.Errorf("serialize event for verification: %w", err)
	}
	if wantID != ev.ID {
		return &errs.SignatureInvalid{EventID: ev.ID}
	}
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pubBytes) != 32 {
		return &errs.SignatureInvalid{EventID: ev.ID}
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return &errs.SignatureInvalid{EventID: ev.ID}
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return &errs.SignatureInvalid{EventID: ev.ID}
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return &errs.SignatureInvalid{EventID: ev.ID}
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return &errs.SignatureInvalid{EventID: ev.ID}
	}
	if !sig.Verify(idBytes, pub) {
		return &errs.SignatureInvalid{EventID: ev.ID}
	}
	return nil
}

// serializeID computes the NIP-01 event id: sha256 of the canonical
// [0,pubkey,created_at,kind,tags,content] array.
func serializeID(ev *nostr.Event) (string, error) {
	arr := []interface{}{0, ev.PubKey, ev.CreatedAt.Unix(), ev.Kind, ev.Tags, ev.Content}
	b, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
