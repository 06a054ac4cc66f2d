// Package provision models the build-time provisioning surface (spec §3,
// §6): the per-decoder key, the broadcaster's public signing key, the
// decoder's identifier, and the compile-time emergency-channel
// subscription. Real firmware bakes these in as linker-provided constants;
// this package derives them from a secrets artifact instead, so they can
// be exercised by tests and by a host-side simulator.
package provision

import (
	"crypto/ed25519"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/soltara/satdec/internal/satdec/wire"
)

// Secrets holds everything a Decoder needs at boot: the derived symmetric
// key, the broadcaster's verification key, this device's id, and its
// hard-wired emergency-channel subscription.
type Secrets struct {
	DecoderKey           [32]byte
	HostKeyPub           ed25519.PublicKey
	DecoderID            uint32
	Channel0Subscription wire.ChannelSubscription
}

// ParseHostKeyPub decodes a DER-encoded (PKIX/SubjectPublicKeyInfo) Ed25519
// public key, the format the broadcaster's signing key is provisioned in.
func ParseHostKeyPub(der []byte) (ed25519.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("provision: parse host key: %w", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("provision: host key is not Ed25519, got %T", pub)
	}
	return key, nil
}

// DeriveDecoderKey computes the per-decoder symmetric key by HKDF-Expand
// over SHA-512, using the provisioned decoderDK as input key material and
// the 4-byte little-endian decoderID as the info/context string (spec
// §6). decoderDK is used directly as the HKDF pseudorandom key: there is
// no separate Extract stage, since the provisioning artifact is already a
// high-entropy secret.
func DeriveDecoderKey(decoderDK []byte, decoderID uint32) ([32]byte, error) {
	var info [4]byte
	binary.LittleEndian.PutUint32(info[:], decoderID)

	var key [32]byte
	r := hkdf.Expand(sha512.New, decoderDK, info[:])
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("provision: derive decoder key: %w", err)
	}
	return key, nil
}
