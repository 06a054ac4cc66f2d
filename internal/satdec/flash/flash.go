// Package flash implements the Flash Store (spec §4.1): a tagged,
// page-erase, 16-byte-word-aligned persistence layer over a small emulated
// flash device. Every write is prefixed with a 4-byte little-endian magic
// value; a read checks that magic before handing back the payload.
package flash

import (
	"encoding/binary"

	"github.com/soltara/satdec/internal/bufpool"
	satdecerrors "github.com/soltara/satdec/internal/errors"
)

const (
	// WordSize is the smallest unit a Device reads or writes — one flash
	// word (spec §4.1, grounded on flash_manager.rs's write_128/read_128).
	WordSize = 16

	// magicSize is the width of the tag prepended to every tagged write.
	magicSize = 4
)

// Device is the raw flash controller this package is built on. It models
// the page-erase, word-aligned read/write primitives a real flash
// controller exposes; production firmware backs this with the on-chip
// controller, tests back it with Emulated.
type Device interface {
	// ReadWord reads WordSize bytes at addr.
	ReadWord(addr uint32) ([WordSize]byte, error)
	// WriteWord writes WordSize bytes at addr. addr must already be erased
	// or hold a prior write at the same offset from an in-progress tagged
	// write; callers never partially overwrite a committed word.
	WriteWord(addr uint32, word [WordSize]byte) error
	// ErasePage erases the page containing addr, resetting every word in
	// it to the all-zero state.
	ErasePage(addr uint32) error
	// PageSize reports the erase granularity in bytes.
	PageSize() uint32
}

// Store wraps a Device with the magic-tagged read/write/erase operations
// the Subscription Directory and provisioning code build on.
type Store struct {
	dev Device
}

// New wraps dev in a Store.
func New(dev Device) *Store {
	return &Store{dev: dev}
}

// PageSize reports the underlying device's erase granularity.
func (s *Store) PageSize() uint32 {
	return s.dev.PageSize()
}

// ErasePage erases the page containing addr.
func (s *Store) ErasePage(addr uint32) error {
	if err := s.dev.ErasePage(addr); err != nil {
		return satdecerrors.NewFlashError("erase_page", err)
	}
	return nil
}

// ReadMagic reads just the 4-byte tag at the start of the page at addr,
// without validating it or decoding a payload.
func (s *Store) ReadMagic(addr uint32) (uint32, error) {
	word, err := s.dev.ReadWord(addr)
	if err != nil {
		return 0, satdecerrors.NewFlashError("read_magic", err)
	}
	return binary.LittleEndian.Uint32(word[:magicSize]), nil
}

// WriteTagged writes magic followed by data to addr, packed into
// WordSize-aligned chunks and zero-padded in the final chunk. Mirrors
// flash_manager.rs's write_data.
func (s *Store) WriteTagged(addr uint32, magic uint32, data []byte) error {
	total := magicSize + len(data)
	buf := bufpool.Get(total)
	defer bufpool.Put(buf)
	binary.LittleEndian.PutUint32(buf[:magicSize], magic)
	copy(buf[magicSize:], data)

	chunks := (total + WordSize - 1) / WordSize
	for i := 0; i < chunks; i++ {
		offset := i * WordSize
		var word [WordSize]byte
		end := offset + WordSize
		if end > total {
			end = total
		}
		copy(word[:], buf[offset:end])
		if err := s.dev.WriteWord(addr+uint32(offset), word); err != nil {
			return satdecerrors.NewFlashError("write_tagged", err)
		}
	}
	return nil
}

// ReadTagged reads magicSize+len(data) bytes from addr, verifies the magic
// tag matches expected, and copies the payload into data. Mirrors
// flash_manager.rs's read_data, except the magic check is performed here
// rather than left to the caller.
func (s *Store) ReadTagged(addr uint32, expected uint32, data []byte) error {
	total := magicSize + len(data)
	padded := ((total + WordSize - 1) / WordSize) * WordSize
	buf := bufpool.Get(padded)
	defer bufpool.Put(buf)

	chunks := (total + WordSize - 1) / WordSize
	for i := 0; i < chunks; i++ {
		word, err := s.dev.ReadWord(addr + uint32(i*WordSize))
		if err != nil {
			return satdecerrors.NewFlashError("read_tagged", err)
		}
		copy(buf[i*WordSize:], word[:])
	}

	got := binary.LittleEndian.Uint32(buf[:magicSize])
	if got != expected {
		return satdecerrors.NewFlashError("read_tagged", errMagicMismatch{got: got, want: expected})
	}
	copy(data, buf[magicSize:total])
	return nil
}

type errMagicMismatch struct {
	got, want uint32
}

func (e errMagicMismatch) Error() string {
	return "flash: magic mismatch"
}
