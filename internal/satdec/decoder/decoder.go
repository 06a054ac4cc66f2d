// Package decoder implements the Frame Decoder (spec §4.4): the
// subscription-update and frame-decode operations that sit on top of the
// Subscription Directory and Key Tree, plus the volatile active-channel
// anti-replay state they share.
package decoder

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"

	satdecerrors "github.com/soltara/satdec/internal/errors"
	"github.com/soltara/satdec/internal/satdec/directory"
	"github.com/soltara/satdec/internal/satdec/keytree"
	"github.com/soltara/satdec/internal/satdec/provision"
	"github.com/soltara/satdec/internal/satdec/wire"
)

// subscribeHeaderSize is the fixed prefix of a Subscribe body before the
// variable-length encrypted password payload: decoder_id(4) + start_ts(8)
// + end_ts(8) + channel_id(4) + nonce(12).
const subscribeHeaderSize = 4 + 8 + 8 + 4 + 12

// subscribeSignatureSize is the trailing Ed25519 signature on a Subscribe
// body.
const subscribeSignatureSize = 64

// activeChannelSlots is the fixed size of the active-channel vector: one
// emergency-channel slot plus up to MaxSubs stored-subscription slots.
const activeChannelSlots = 1 + directory.MaxSubs

// ActiveChannel is volatile per-channel anti-replay state.
type ActiveChannel struct {
	ChannelID uint32
	LastFrame uint64
	Received  bool
}

// Decoder wires the Subscription Directory, Key Tree, and provisioned
// secrets together to implement List, Subscribe, and Decode. It holds the
// volatile active-channel mirror; per spec §5 it is driven by exactly one
// logical actor (the Host Link dispatch loop), so it needs no locking.
type Decoder struct {
	dir     *directory.Directory
	secrets provision.Secrets
	active  [activeChannelSlots]*ActiveChannel
}

// New builds a Decoder over dir using secrets, with the active-channel
// mirror initialized from boot (spec §9: "Active channels is volatile
// state that mirrors a subset of persistent state").
func New(dir *directory.Directory, secrets provision.Secrets) (*Decoder, error) {
	d := &Decoder{dir: dir, secrets: secrets}
	d.active[0] = &ActiveChannel{ChannelID: 0}

	infos, err := dir.List()
	if err != nil {
		return nil, err
	}
	idx := 1
	for _, info := range infos {
		if idx >= activeChannelSlots {
			break
		}
		d.active[idx] = &ActiveChannel{ChannelID: info.ChannelID}
		idx++
	}
	return d, nil
}

// ActiveChannels returns a snapshot of the populated active-channel slots.
func (d *Decoder) ActiveChannels() []ActiveChannel {
	var out []ActiveChannel
	for _, c := range d.active {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func (d *Decoder) findActive(channelID uint32) *ActiveChannel {
	for _, c := range d.active {
		if c != nil && c.ChannelID == channelID {
			return c
		}
	}
	return nil
}

func (d *Decoder) ensureActive(channelID uint32) {
	if d.findActive(channelID) != nil {
		return
	}
	for i, c := range d.active {
		if c == nil {
			d.active[i] = &ActiveChannel{ChannelID: channelID}
			return
		}
	}
}

// List enumerates the Subscription Directory's stored channels. Channel 0
// is never reported (spec §4.4).
func (d *Decoder) List() ([]wire.ChannelInfo, error) {
	return d.dir.List()
}

// Subscribe verifies and applies a Subscribe request body (spec §4.4).
func (d *Decoder) Subscribe(body []byte) error {
	if len(body) < subscribeHeaderSize+subscribeSignatureSize {
		return satdecerrors.NewSubscribeError("subscribe", satdecerrors.KindMalformed,
			fmt.Errorf("body too short: %d bytes", len(body)))
	}

	msgLen := len(body) - subscribeSignatureSize
	message := body[:msgLen]
	signature := body[msgLen:]

	if !ed25519.Verify(d.secrets.HostKeyPub, message, signature) {
		return satdecerrors.NewSubscribeError("subscribe", satdecerrors.KindBadSignature, nil)
	}

	decoderID := binary.LittleEndian.Uint32(message[0:4])
	startTS := binary.LittleEndian.Uint64(message[4:12])
	endTS := binary.LittleEndian.Uint64(message[12:20])
	channelID := binary.LittleEndian.Uint32(message[20:24])
	var nonce [12]byte
	copy(nonce[:], message[24:36])

	if decoderID != d.secrets.DecoderID {
		return satdecerrors.NewSubscribeError("subscribe", satdecerrors.KindWrongDecoder, nil)
	}
	if channelID == 0 {
		return satdecerrors.NewSubscribeError("subscribe", satdecerrors.KindInvalidChannelID, nil)
	}

	encrypted := message[subscribeHeaderSize:]
	cipher, err := chacha20.NewUnauthenticatedCipher(d.secrets.DecoderKey[:], nonce[:])
	if err != nil {
		return satdecerrors.NewSubscribeError("subscribe", satdecerrors.KindMalformed, err)
	}
	plaintext := make([]byte, len(encrypted))
	cipher.XORKeyStream(plaintext, encrypted)

	passwords, err := wire.DecodeChannelPasswords(plaintext)
	if err != nil {
		return satdecerrors.NewSubscribeError("subscribe", satdecerrors.KindMalformed, err)
	}

	sub := wire.ChannelSubscription{
		Info: wire.ChannelInfo{
			ChannelID:      channelID,
			StartTimestamp: startTS,
			EndTimestamp:   endTS,
		},
		Passwords: passwords,
	}

	if err := d.dir.Upsert(sub); err != nil {
		return err
	}
	d.ensureActive(channelID)
	return nil
}

// Decode verifies, anti-replay-checks, and decrypts a ChannelFrame (spec
// §4.4), returning its 64-byte plaintext.
func (d *Decoder) Decode(frameBytes []byte) ([]byte, error) {
	frame, err := wire.DecodeChannelFrame(frameBytes)
	if err != nil {
		return nil, satdecerrors.NewDecodeError("decode", satdecerrors.KindMalformed, err)
	}

	if !ed25519.Verify(d.secrets.HostKeyPub, frame.SignedBytes(), frame.Signature[:]) {
		return nil, satdecerrors.NewDecodeError("decode", satdecerrors.KindBadSignature, nil)
	}

	var sub wire.ChannelSubscription
	if frame.Channel == 0 {
		sub = d.secrets.Channel0Subscription
	} else {
		addr, ok, err := d.dir.Find(frame.Channel)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, satdecerrors.NewDecodeError("decode", satdecerrors.KindNoSubscription, nil)
		}
		sub, err = d.dir.Read(addr)
		if err != nil {
			return nil, err
		}
	}

	active := d.findActive(frame.Channel)
	if active == nil {
		return nil, satdecerrors.NewDecodeError("decode", satdecerrors.KindNoSubscription, nil)
	}
	if active.Received && frame.Timestamp <= active.LastFrame {
		return nil, satdecerrors.NewDecodeError("decode", satdecerrors.KindReplay, nil)
	}
	active.Received = true
	active.LastFrame = frame.Timestamp

	key, err := keytree.DeriveKey(frame.Timestamp, sub.Passwords)
	if err != nil {
		return nil, satdecerrors.NewDecodeError("decode", satdecerrors.KindNoSubscription, err)
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], frame.Nonce[:])
	if err != nil {
		return nil, satdecerrors.NewDecodeError("decode", satdecerrors.KindMalformed, err)
	}
	plaintext := make([]byte, len(frame.EncryptedContent))
	cipher.XORKeyStream(plaintext, frame.EncryptedContent[:])

	return plaintext, nil
}
