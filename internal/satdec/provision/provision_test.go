package provision

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
)

func TestParseHostKeyPubRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := ParseHostKeyPub(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(got, pub) {
		t.Fatalf("round trip mismatch")
	}
}

func TestParseHostKeyPubRejectsNonEd25519(t *testing.T) {
	// Bytes that are not DER at all fail in PKIX parsing.
	if _, err := ParseHostKeyPub([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatalf("expected parse error for garbage DER")
	}

	// A well-formed PKIX key of another algorithm parses but is not Ed25519.
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := ParseHostKeyPub(der); err == nil {
		t.Fatalf("expected rejection of a non-Ed25519 key")
	}
}

func TestDeriveDecoderKeyDeterministic(t *testing.T) {
	dk := bytes.Repeat([]byte{0x11}, 32)

	k1, err := DeriveDecoderKey(dk, 0xDEADBEEF)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveDecoderKey(dk, 0xDEADBEEF)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected deterministic derivation")
	}
}

func TestDeriveDecoderKeyVariesByDecoderID(t *testing.T) {
	dk := bytes.Repeat([]byte{0x22}, 32)

	k1, err := DeriveDecoderKey(dk, 1)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveDecoderKey(dk, 2)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("expected different decoder ids to derive different keys")
	}
}
