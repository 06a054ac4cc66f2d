package provision

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/soltara/satdec/internal/satdec/wire"
)

// SecretsFile is the on-disk JSON shape of the build-time provisioning
// artifact (spec §3, §6): the per-decoder IKM, the broadcaster's DER
// public key, and the hard-wired emergency-channel subscription. The
// decoder id itself is read separately, from an environment variable, per
// spec §6.
type SecretsFile struct {
	DecoderDKHex        string                   `json:"decoder_dk_hex"`
	HostKeyPubDERBase64 string                   `json:"host_key_pub_der_base64"`
	Channel0            channel0SubscriptionJSON `json:"channel0_subscription"`
}

type channel0SubscriptionJSON struct {
	StartTimestamp uint64              `json:"start_timestamp"`
	EndTimestamp   uint64              `json:"end_timestamp"`
	Passwords      []passwordEntryJSON `json:"passwords"`
}

type passwordEntryJSON struct {
	NodeTrunc   uint64 `json:"node_trunc"`
	NodeExt     uint8  `json:"node_ext"`
	PasswordHex string `json:"password_hex"`
}

// DecoderIDEnvVar is the environment variable the decoder id is parsed
// from, as hex (spec §6).
const DecoderIDEnvVar = "SATDEC_DECODER_ID"

// LoadFile reads a SecretsFile from path, derives the per-decoder key via
// HKDF, resolves the decoder id from DecoderIDEnvVar, and assembles a
// Secrets ready for decoder.New.
func LoadFile(path string) (Secrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Secrets{}, fmt.Errorf("provision: read secrets file: %w", err)
	}

	var sf SecretsFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return Secrets{}, fmt.Errorf("provision: parse secrets file: %w", err)
	}

	decoderDK, err := hex.DecodeString(sf.DecoderDKHex)
	if err != nil {
		return Secrets{}, fmt.Errorf("provision: decode decoder_dk_hex: %w", err)
	}

	der, err := base64.StdEncoding.DecodeString(sf.HostKeyPubDERBase64)
	if err != nil {
		return Secrets{}, fmt.Errorf("provision: decode host_key_pub_der_base64: %w", err)
	}
	hostKeyPub, err := ParseHostKeyPub(der)
	if err != nil {
		return Secrets{}, err
	}

	decoderIDHex := strings.TrimSpace(os.Getenv(DecoderIDEnvVar))
	if decoderIDHex == "" {
		return Secrets{}, fmt.Errorf("provision: %s is not set", DecoderIDEnvVar)
	}
	decoderIDHex = strings.TrimPrefix(strings.ToLower(decoderIDHex), "0x")
	decoderID64, err := strconv.ParseUint(decoderIDHex, 16, 32)
	if err != nil {
		return Secrets{}, fmt.Errorf("provision: parse %s as hex: %w", DecoderIDEnvVar, err)
	}
	decoderID := uint32(decoderID64)

	decoderKey, err := DeriveDecoderKey(decoderDK, decoderID)
	if err != nil {
		return Secrets{}, err
	}

	var passwords wire.ChannelPasswords
	if len(sf.Channel0.Passwords) > wire.NumPasswords {
		return Secrets{}, fmt.Errorf("provision: channel0 subscription carries %d passwords, max %d",
			len(sf.Channel0.Passwords), wire.NumPasswords)
	}
	for i, pe := range sf.Channel0.Passwords {
		pw, err := hex.DecodeString(pe.PasswordHex)
		if err != nil {
			return Secrets{}, fmt.Errorf("provision: decode channel0 password %d: %w", i, err)
		}
		if len(pw) != 16 {
			return Secrets{}, fmt.Errorf("provision: channel0 password %d must be 16 bytes, got %d", i, len(pw))
		}
		var raw [16]byte
		copy(raw[:], pw)
		passwords[i] = wire.ChannelPassword{NodeTrunc: pe.NodeTrunc, NodeExt: pe.NodeExt, Password: raw}
	}

	return Secrets{
		DecoderKey: decoderKey,
		HostKeyPub: hostKeyPub,
		DecoderID:  decoderID,
		Channel0Subscription: wire.ChannelSubscription{
			Info: wire.ChannelInfo{
				ChannelID:      0,
				StartTimestamp: sf.Channel0.StartTimestamp,
				EndTimestamp:   sf.Channel0.EndTimestamp,
			},
			Passwords: passwords,
		},
	}, nil
}
