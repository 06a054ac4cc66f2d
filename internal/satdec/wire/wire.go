// Package wire implements the fixed, packed on-the-wire and on-flash layouts
// from the data model: ChannelInfo, ChannelPassword, ChannelPasswords,
// ChannelSubscription, and ChannelFrame. Every type encodes to and decodes
// from a byte slice by explicit field-by-field copy rather than a struct
// reinterpret-cast, so the layout is identical regardless of the host
// platform's struct alignment rules.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// ChannelInfoSize is the packed size of ChannelInfo: channel_id(4) +
	// start_timestamp(8) + end_timestamp(8).
	ChannelInfoSize = 20

	// ChannelPasswordSize is the packed size of one ChannelPassword entry:
	// node_trunc(8) + node_ext(1) + password(16).
	ChannelPasswordSize = 25

	// NumPasswords is the fixed number of ChannelPassword slots a
	// subscription carries.
	NumPasswords = 128

	// ChannelPasswordsSize is the packed size of the full password table.
	ChannelPasswordsSize = NumPasswords * ChannelPasswordSize

	// ChannelSubscriptionSize is the packed size of ChannelInfo followed by
	// ChannelPasswords.
	ChannelSubscriptionSize = ChannelInfoSize + ChannelPasswordsSize

	// ChannelFrameSize is the packed size of ChannelFrame: channel(4) +
	// timestamp(8) + nonce(12) + encrypted_content(64) + signature(64).
	ChannelFrameSize = 152

	// ChannelFrameSignedSize is the number of leading bytes of a
	// ChannelFrame that the Ed25519 signature covers (everything except
	// the trailing signature field itself).
	ChannelFrameSignedSize = ChannelFrameSize - 64
)

// ChannelInfo identifies a channel and the timestamp interval a
// subscription for it covers.
type ChannelInfo struct {
	ChannelID      uint32
	StartTimestamp uint64
	EndTimestamp   uint64
}

// Encode appends the packed representation of ci to dst and returns the
// extended slice.
func (ci ChannelInfo) Encode(dst []byte) []byte {
	var b [ChannelInfoSize]byte
	binary.LittleEndian.PutUint32(b[0:4], ci.ChannelID)
	binary.LittleEndian.PutUint64(b[4:12], ci.StartTimestamp)
	binary.LittleEndian.PutUint64(b[12:20], ci.EndTimestamp)
	return append(dst, b[:]...)
}

// DecodeChannelInfo reads a packed ChannelInfo from the front of b.
func DecodeChannelInfo(b []byte) (ChannelInfo, error) {
	if len(b) < ChannelInfoSize {
		return ChannelInfo{}, fmt.Errorf("wire: short ChannelInfo buffer: got %d want %d", len(b), ChannelInfoSize)
	}
	return ChannelInfo{
		ChannelID:      binary.LittleEndian.Uint32(b[0:4]),
		StartTimestamp: binary.LittleEndian.Uint64(b[4:12]),
		EndTimestamp:   binary.LittleEndian.Uint64(b[12:20]),
	}, nil
}

// ChannelPassword is a single key-tree node password entry. NodeExt == 0 is
// the empty-slot sentinel; any other byte in that position still decodes,
// so callers must check NodeExt before trusting NodeTrunc/Password.
type ChannelPassword struct {
	NodeTrunc uint64
	NodeExt   uint8
	Password  [16]byte
}

// Empty reports whether this slot is the unused-tail sentinel.
func (p ChannelPassword) Empty() bool { return p.NodeExt == 0 }

// NodeNumber reconstructs the key-tree node number this password slot
// covers: node_trunc*2 + (node_ext-1). Callers must not call this on an
// empty slot.
func (p ChannelPassword) NodeNumber() uint64 {
	return p.NodeTrunc*2 + uint64(p.NodeExt-1)
}

// Encode appends the packed representation of p to dst.
func (p ChannelPassword) Encode(dst []byte) []byte {
	var b [ChannelPasswordSize]byte
	binary.LittleEndian.PutUint64(b[0:8], p.NodeTrunc)
	b[8] = p.NodeExt
	copy(b[9:25], p.Password[:])
	return append(dst, b[:]...)
}

// DecodeChannelPassword reads a packed ChannelPassword from the front of b.
func DecodeChannelPassword(b []byte) (ChannelPassword, error) {
	if len(b) < ChannelPasswordSize {
		return ChannelPassword{}, fmt.Errorf("wire: short ChannelPassword buffer: got %d want %d", len(b), ChannelPasswordSize)
	}
	var p ChannelPassword
	p.NodeTrunc = binary.LittleEndian.Uint64(b[0:8])
	p.NodeExt = b[8]
	copy(p.Password[:], b[9:25])
	return p, nil
}

// ChannelPasswords is the fixed 128-entry key-tree password table carried
// by every subscription. Unused tail entries have NodeExt == 0.
type ChannelPasswords [NumPasswords]ChannelPassword

// Encode appends the packed representation of the table to dst.
func (pw ChannelPasswords) Encode(dst []byte) []byte {
	for _, p := range pw {
		dst = p.Encode(dst)
	}
	return dst
}

// DecodeChannelPasswords reads a packed 128-entry table from the front of
// b, zero-filling any slots beyond the available bytes. This mirrors the
// Subscribe operation's variable-length password payload: b may be shorter
// than ChannelPasswordsSize, in which case the remaining slots decode to
// the all-zero empty-slot sentinel.
func DecodeChannelPasswords(b []byte) (ChannelPasswords, error) {
	var pw ChannelPasswords
	n := len(b) / ChannelPasswordSize
	if n > NumPasswords {
		n = NumPasswords
	}
	for i := 0; i < n; i++ {
		p, err := DecodeChannelPassword(b[i*ChannelPasswordSize:])
		if err != nil {
			return pw, err
		}
		pw[i] = p
	}
	return pw, nil
}

// ChannelSubscription is a full subscription record: the channel's
// identity and timestamp interval, plus its key-tree password table. This
// is the exact layout persisted to a flash page (spec data model §3).
type ChannelSubscription struct {
	Info      ChannelInfo
	Passwords ChannelPasswords
}

// Encode appends the packed representation of s to dst.
func (s ChannelSubscription) Encode(dst []byte) []byte {
	dst = s.Info.Encode(dst)
	dst = s.Passwords.Encode(dst)
	return dst
}

// DecodeChannelSubscription reads a packed ChannelSubscription from the
// front of b.
func DecodeChannelSubscription(b []byte) (ChannelSubscription, error) {
	if len(b) < ChannelSubscriptionSize {
		return ChannelSubscription{}, fmt.Errorf("wire: short ChannelSubscription buffer: got %d want %d", len(b), ChannelSubscriptionSize)
	}
	info, err := DecodeChannelInfo(b)
	if err != nil {
		return ChannelSubscription{}, err
	}
	pw, err := DecodeChannelPasswords(b[ChannelInfoSize:ChannelSubscriptionSize])
	if err != nil {
		return ChannelSubscription{}, err
	}
	return ChannelSubscription{Info: info, Passwords: pw}, nil
}

// ChannelFrame is the wire-level input to Decode: an encrypted, signed
// broadcast unit for one channel at one timestamp.
type ChannelFrame struct {
	Channel          uint32
	Timestamp        uint64
	Nonce            [12]byte
	EncryptedContent [64]byte
	Signature        [64]byte
}

// Encode appends the packed representation of f to dst.
func (f ChannelFrame) Encode(dst []byte) []byte {
	var b [ChannelFrameSize]byte
	binary.LittleEndian.PutUint32(b[0:4], f.Channel)
	binary.LittleEndian.PutUint64(b[4:12], f.Timestamp)
	copy(b[12:24], f.Nonce[:])
	copy(b[24:88], f.EncryptedContent[:])
	copy(b[88:152], f.Signature[:])
	return append(dst, b[:]...)
}

// SignedBytes returns the leading ChannelFrameSignedSize bytes of f's wire
// encoding: everything the Ed25519 signature covers.
func (f ChannelFrame) SignedBytes() []byte {
	enc := f.Encode(nil)
	return enc[:ChannelFrameSignedSize]
}

// DecodeChannelFrame reads a packed ChannelFrame from b. b must be exactly
// ChannelFrameSize bytes; any other length is an error, which
// decoder.Decode reports as Malformed.
func DecodeChannelFrame(b []byte) (ChannelFrame, error) {
	if len(b) != ChannelFrameSize {
		return ChannelFrame{}, fmt.Errorf("wire: bad ChannelFrame length: got %d want %d", len(b), ChannelFrameSize)
	}
	var f ChannelFrame
	f.Channel = binary.LittleEndian.Uint32(b[0:4])
	f.Timestamp = binary.LittleEndian.Uint64(b[4:12])
	copy(f.Nonce[:], b[12:24])
	copy(f.EncryptedContent[:], b[24:88])
	copy(f.Signature[:], b[88:152])
	return f, nil
}
