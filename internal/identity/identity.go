// Package identity owns agent key material and event signing.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/ShayCichocki/agora/pkg/models"
)

// ErrInvalidKey is returned when key material cannot be decoded.
var ErrInvalidKey = errors.New("invalid key material")

// Signer signs events on behalf of an identity.
type Signer interface {
	// PubKey returns the hex public key.
	PubKey() string
	// Sign sets PubKey, ID and Sig on the event.
	Sign(ev *models.Event) error
}

// Keypair is a secp256k1 signing key with its derived public key.
type Keypair struct {
	secret string
	pubkey string
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	return KeypairFromSecret(nostr.GeneratePrivateKey())
}

// KeypairFromSecret decodes key material given as hex or nsec bech32.
func KeypairFromSecret(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec1") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		hex, ok := value.(string)
		if prefix != "nsec" || !ok {
			return nil, fmt.Errorf("%w: unexpected bech32 prefix %q", ErrInvalidKey, prefix)
		}
		secret = hex
	}
	if len(secret) != 64 {
		return nil, fmt.Errorf("%w: expected 64 hex characters, got %d", ErrInvalidKey, len(secret))
	}

	pub, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Keypair{secret: secret, pubkey: pub}, nil
}

// Secret returns the hex secret key for persistence.
func (k *Keypair) Secret() string {
	return k.secret
}

// NSec returns the bech32 encoded secret key.
func (k *Keypair) NSec() string {
	nsec, err := nip19.EncodePrivateKey(k.secret)
	if err != nil {
		return ""
	}
	return nsec
}

// PubKey returns the hex public key.
func (k *Keypair) PubKey() string {
	return k.pubkey
}

// NPub returns the bech32 encoded public key.
func (k *Keypair) NPub() string {
	npub, err := nip19.EncodePublicKey(k.pubkey)
	if err != nil {
		return ""
	}
	return npub
}

// Sign fills in PubKey, ID and Sig. CreatedAt defaults to now.
func (k *Keypair) Sign(ev *models.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ne := ToNostr(ev)
	if err := ne.Sign(k.secret); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	ev.ID = ne.ID
	ev.PubKey = ne.PubKey
	ev.Sig = ne.Sig
	ev.CreatedAt = ne.CreatedAt.Time()
	return nil
}

// Verify checks the event id and signature.
func Verify(ev *models.Event) (bool, error) {
	ne := ToNostr(ev)
	if ne.GetID() != ev.ID {
		return false, nil
	}
	return ne.CheckSignature()
}

// ToNostr converts an event to the wire representation.
func ToNostr(ev *models.Event) *nostr.Event {
	tags := make(nostr.Tags, 0, len(ev.Tags))
	for _, t := range ev.Tags {
		tags = append(tags, nostr.Tag(append([]string(nil), t...)))
	}
	return &nostr.Event{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: nostr.Timestamp(ev.CreatedAt.Unix()),
		Kind:      int(ev.Kind),
		Tags:      tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	}
}

// FromNostr converts a wire event to the model.
func FromNostr(ne *nostr.Event) *models.Event {
	tags := make(models.Tags, 0, len(ne.Tags))
	for _, t := range ne.Tags {
		tags = append(tags, models.Tag(append([]string(nil), t...)))
	}
	return &models.Event{
		ID:        ne.ID,
		PubKey:    ne.PubKey,
		CreatedAt: ne.CreatedAt.Time(),
		Kind:      models.Kind(ne.Kind),
		Tags:      tags,
		Content:   ne.Content,
		Sig:       ne.Sig,
	}
}

var _ Signer = (*Keypair)(nil)
