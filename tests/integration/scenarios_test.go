// Package integration exercises the channel cryptography core end to end:
// Host Link framing driving the Frame Decoder over the Subscription
// Directory, matching the concrete scenarios worked through in the
// protocol design (list/subscribe/decode/replay/coverage/overflow).
package integration

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"golang.org/x/crypto/chacha20"

	satdecerrors "github.com/soltara/satdec/internal/errors"
	"github.com/soltara/satdec/internal/satdec/decoder"
	"github.com/soltara/satdec/internal/satdec/directory"
	"github.com/soltara/satdec/internal/satdec/flash"
	"github.com/soltara/satdec/internal/satdec/keytree"
	"github.com/soltara/satdec/internal/satdec/link"
	"github.com/soltara/satdec/internal/satdec/provision"
	"github.com/soltara/satdec/internal/satdec/wire"
)

const scenarioDecoderID = 0xDEADBEEF

// duplex pairs a device-side io.ReadWriter with a host-side io.ReadWriter
// over in-memory pipes; adapted from the teacher's net.Pipe-based
// integration harness (this link is a single blocking request/response
// loop, not a per-connection goroutine server, so io.Pipe fits better).
type duplex struct {
	r io.Reader
	w io.Writer
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func newDuplexPair() (device, host duplex) {
	deviceRead, hostToDevice := io.Pipe()
	hostRead, deviceToHost := io.Pipe()
	return duplex{r: deviceRead, w: deviceToHost}, duplex{r: hostRead, w: hostToDevice}
}

type device struct {
	dec      *decoder.Decoder
	hostPriv ed25519.PrivateKey
	secrets  provision.Secrets
	host     duplex
}

func newDevice(t *testing.T) *device {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}

	mem := flash.NewEmulated(directory.BaseAddress+uint32(directory.MaxSubs)*directory.PageSize, directory.PageSize)
	dir := directory.New(flash.New(mem))

	var decoderKey [32]byte
	copy(decoderKey[:], bytes.Repeat([]byte{0x77}, 32))

	secrets := provision.Secrets{
		DecoderKey: decoderKey,
		HostKeyPub: pub,
		DecoderID:  scenarioDecoderID,
		// Emergency channel is left uncovered (no passwords) in these
		// scenarios that don't exercise it; TestScenarioDecodeEmergencyChannel
		// below builds its own device with a populated root password.
	}

	dec, err := decoder.New(dir, secrets)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	devSide, hostSide := newDuplexPair()
	d := &device{dec: dec, hostPriv: priv, secrets: secrets, host: hostSide}

	disp := link.NewDispatcher(devSide, dec)
	go disp.Serve() //nolint:errcheck // pipe closes at test end, terminating Serve

	return d
}

func (d *device) sendList(t *testing.T) []wire.ChannelInfo {
	t.Helper()
	if err := link.WriteHeader(d.host, link.Header{Opcode: link.OpList}); err != nil {
		t.Fatalf("write list request: %v", err)
	}
	if err := link.ReadAck(d.host); err != nil {
		t.Fatalf("ack list request: %v", err)
	}
	hdr, err := link.ReadHeader(d.host)
	if err != nil {
		t.Fatalf("read list response header: %v", err)
	}
	if hdr.Opcode != link.OpList {
		t.Fatalf("expected list response, got %+v", hdr)
	}
	if err := link.WriteAck(d.host); err != nil {
		t.Fatalf("ack list response header: %v", err)
	}
	body, err := link.ReadBody(d.host, io.Discard, int(hdr.Length))
	if err != nil {
		t.Fatalf("read list body: %v", err)
	}
	count := binary.LittleEndian.Uint32(body[:4])
	infos := make([]wire.ChannelInfo, count)
	for i := uint32(0); i < count; i++ {
		info, err := wire.DecodeChannelInfo(body[4+i*wire.ChannelInfoSize:])
		if err != nil {
			t.Fatalf("decode channel info %d: %v", i, err)
		}
		infos[i] = info
	}
	return infos
}

func (d *device) subscribe(t *testing.T, channelID uint32, start, end uint64, passwords wire.ChannelPasswords) error {
	t.Helper()
	body := d.signedSubscribeBody(t, channelID, start, end, passwords)

	if err := link.WriteHeader(d.host, link.Header{Opcode: link.OpSubscribe, Length: uint16(len(body))}); err != nil {
		t.Fatalf("write subscribe request header: %v", err)
	}
	if err := link.ReadAck(d.host); err != nil {
		t.Fatalf("ack subscribe request: %v", err)
	}
	if err := link.WriteBody(d.host, d.host, body); err != nil {
		t.Fatalf("write subscribe body: %v", err)
	}
	hdr, err := link.ReadHeader(d.host)
	if err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if hdr.Opcode == link.OpError {
		return satdecerrors.NewSubscribeError("subscribe", satdecerrors.KindBadSignature, nil)
	}
	return nil
}

func (d *device) decode(t *testing.T, frame wire.ChannelFrame) ([]byte, bool) {
	t.Helper()
	encoded := frame.Encode(nil)

	if err := link.WriteHeader(d.host, link.Header{Opcode: link.OpDecode, Length: uint16(len(encoded))}); err != nil {
		t.Fatalf("write decode request header: %v", err)
	}
	if err := link.ReadAck(d.host); err != nil {
		t.Fatalf("ack decode request: %v", err)
	}
	if err := link.WriteBody(d.host, d.host, encoded); err != nil {
		t.Fatalf("write decode body: %v", err)
	}
	hdr, err := link.ReadHeader(d.host)
	if err != nil {
		t.Fatalf("read decode response: %v", err)
	}
	if hdr.Opcode == link.OpError {
		return nil, false
	}
	if err := link.WriteAck(d.host); err != nil {
		t.Fatalf("ack decode response header: %v", err)
	}
	plaintext, err := link.ReadBody(d.host, io.Discard, int(hdr.Length))
	if err != nil {
		t.Fatalf("read decode body: %v", err)
	}
	return plaintext, true
}

func (d *device) signedFrame(t *testing.T, channel uint32, timestamp uint64, passwords wire.ChannelPasswords, plaintext [64]byte) wire.ChannelFrame {
	t.Helper()
	key, err := keytree.DeriveKey(timestamp, passwords)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	var nonce [12]byte
	copy(nonce[:], "scenarionce1")

	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	var encrypted [64]byte
	cipher.XORKeyStream(encrypted[:], plaintext[:])

	frame := wire.ChannelFrame{Channel: channel, Timestamp: timestamp, Nonce: nonce, EncryptedContent: encrypted}
	sig := ed25519.Sign(d.hostPriv, frame.SignedBytes())
	copy(frame.Signature[:], sig)
	return frame
}

func (d *device) signedSubscribeBody(t *testing.T, channelID uint32, start, end uint64, passwords wire.ChannelPasswords) []byte {
	t.Helper()
	var nonce [12]byte
	copy(nonce[:], "scenarionce2")

	msg := make([]byte, 0, 36+wire.ChannelPasswordsSize)
	var u32 [4]byte
	var u64 [8]byte
	binary.LittleEndian.PutUint32(u32[:], d.secrets.DecoderID)
	msg = append(msg, u32[:]...)
	binary.LittleEndian.PutUint64(u64[:], start)
	msg = append(msg, u64[:]...)
	binary.LittleEndian.PutUint64(u64[:], end)
	msg = append(msg, u64[:]...)
	binary.LittleEndian.PutUint32(u32[:], channelID)
	msg = append(msg, u32[:]...)
	msg = append(msg, nonce[:]...)

	plaintext := passwords.Encode(nil)
	cipher, err := chacha20.NewUnauthenticatedCipher(d.secrets.DecoderKey[:], nonce[:])
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	encrypted := make([]byte, len(plaintext))
	cipher.XORKeyStream(encrypted, plaintext)
	msg = append(msg, encrypted...)

	sig := ed25519.Sign(d.hostPriv, msg)
	return append(msg, sig...)
}

// rootPassword covers key-tree node 1 (the root): node_trunc*2 +
// (node_ext-1) == 1 requires node_ext == 2 at node_trunc == 0.
func rootPassword(raw [16]byte) wire.ChannelPassword {
	return wire.ChannelPassword{NodeTrunc: 0, NodeExt: 2, Password: raw}
}

func leftSubtreePassword(raw [16]byte) wire.ChannelPassword {
	return wire.ChannelPassword{NodeTrunc: 1, NodeExt: 1, Password: raw}
}

func TestScenarioListOnEmptyDevice(t *testing.T) {
	d := newDevice(t)
	infos := d.sendList(t)
	if len(infos) != 0 {
		t.Fatalf("expected empty directory, got %v", infos)
	}
}

func TestScenarioSubscribeThenList(t *testing.T) {
	d := newDevice(t)
	var raw [16]byte
	copy(raw[:], "channel-7-root-1")
	var passwords wire.ChannelPasswords
	passwords[0] = rootPassword(raw)

	if err := d.subscribe(t, 7, 100, 1000, passwords); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	infos := d.sendList(t)
	if len(infos) != 1 || infos[0] != (wire.ChannelInfo{ChannelID: 7, StartTimestamp: 100, EndTimestamp: 1000}) {
		t.Fatalf("unexpected list result: %+v", infos)
	}
}

func TestScenarioDecodeEmergencyChannel(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	var raw [16]byte
	copy(raw[:], "emergency-root-1")
	var ch0 wire.ChannelPasswords
	ch0[0] = rootPassword(raw)

	mem := flash.NewEmulated(directory.BaseAddress+uint32(directory.MaxSubs)*directory.PageSize, directory.PageSize)
	dir := directory.New(flash.New(mem))
	var decoderKey [32]byte
	secrets := provision.Secrets{
		DecoderKey:           decoderKey,
		HostKeyPub:           pub,
		DecoderID:            scenarioDecoderID,
		Channel0Subscription: wire.ChannelSubscription{Passwords: ch0},
	}
	dec, err := decoder.New(dir, secrets)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	devSide, hostSide := newDuplexPair()
	disp := link.NewDispatcher(devSide, dec)
	go disp.Serve() //nolint:errcheck

	d := &device{dec: dec, hostPriv: priv, secrets: secrets, host: hostSide}

	var plaintext [64]byte
	copy(plaintext[:], bytes.Repeat([]byte{0x5E}, 64))
	frame := d.signedFrame(t, 0, 42, ch0, plaintext)

	got, ok := d.decode(t, frame)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if !bytes.Equal(got, plaintext[:]) {
		t.Fatalf("plaintext mismatch")
	}

	// Resending the identical frame must be rejected as a replay.
	_, ok = d.decode(t, frame)
	if ok {
		t.Fatalf("expected replay to be rejected")
	}
}

func TestScenarioOutOfCoverageTimestamp(t *testing.T) {
	d := newDevice(t)
	var raw [16]byte
	copy(raw[:], "left-subtree-key")
	var passwords wire.ChannelPasswords
	passwords[0] = leftSubtreePassword(raw)

	if err := d.subscribe(t, 9, 0, 1, passwords); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var plaintext [64]byte
	// signedFrame needs a key for the timestamp, which the subscription's
	// own passwords cannot provide; the device rejects the frame before
	// decrypting, so the content is encrypted under an unrelated root key.
	var encPasswords wire.ChannelPasswords
	encPasswords[0] = rootPassword(raw)
	frame := d.signedFrame(t, 9, ^uint64(0), encPasswords, plaintext)
	_, ok := d.decode(t, frame)
	if ok {
		t.Fatalf("expected out-of-coverage timestamp to be rejected")
	}

	// The anti-replay gate already accepted the timestamp before coverage
	// was checked, so a repeat must now fail as a replay, not re-run the
	// same no-subscription check.
	_, ok = d.decode(t, frame)
	if ok {
		t.Fatalf("expected repeat of out-of-coverage frame to be rejected as a replay")
	}
}

func TestScenarioDirectoryOverflow(t *testing.T) {
	d := newDevice(t)
	for ch := uint32(1); ch <= uint32(directory.MaxSubs); ch++ {
		if err := d.subscribe(t, ch, 0, 1, wire.ChannelPasswords{}); err != nil {
			t.Fatalf("subscribe channel %d: %v", ch, err)
		}
	}

	if err := d.subscribe(t, uint32(directory.MaxSubs)+1, 0, 1, wire.ChannelPasswords{}); err == nil {
		t.Fatalf("expected 9th distinct channel to be rejected")
	}

	if err := d.subscribe(t, 3, 50, 60, wire.ChannelPasswords{}); err != nil {
		t.Fatalf("expected overwrite of existing channel to succeed: %v", err)
	}
}
