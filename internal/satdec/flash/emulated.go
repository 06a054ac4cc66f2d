package flash

import "fmt"

// Emulated is an in-memory Device backing flash with a plain byte slice,
// used by tests and by the host-side decoder simulator in place of a real
// flash controller.
type Emulated struct {
	mem      []byte
	pageSize uint32
}

// NewEmulated allocates an Emulated device of size bytes with the given
// page (erase-unit) size. size and pageSize must each be word-aligned.
func NewEmulated(size, pageSize uint32) *Emulated {
	return &Emulated{mem: make([]byte, size), pageSize: pageSize}
}

// PageSize reports the erase granularity in bytes.
func (e *Emulated) PageSize() uint32 {
	return e.pageSize
}

func (e *Emulated) ReadWord(addr uint32) ([WordSize]byte, error) {
	var word [WordSize]byte
	if int(addr)+WordSize > len(e.mem) {
		return word, fmt.Errorf("flash: read out of range at 0x%x", addr)
	}
	copy(word[:], e.mem[addr:int(addr)+WordSize])
	return word, nil
}

func (e *Emulated) WriteWord(addr uint32, word [WordSize]byte) error {
	if int(addr)+WordSize > len(e.mem) {
		return fmt.Errorf("flash: write out of range at 0x%x", addr)
	}
	copy(e.mem[addr:int(addr)+WordSize], word[:])
	return nil
}

func (e *Emulated) ErasePage(addr uint32) error {
	base := (addr / e.pageSize) * e.pageSize
	if int(base)+int(e.pageSize) > len(e.mem) {
		return fmt.Errorf("flash: erase out of range at 0x%x", base)
	}
	clear(e.mem[base : int(base)+int(e.pageSize)])
	return nil
}
