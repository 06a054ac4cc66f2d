// Package link implements the Host Link (spec §4.5): a synchronous,
// chunk-acknowledged request/response framing over a byte-oriented serial
// pipe. Every packet begins with a 4-byte header; bodies longer than one
// chunk are acknowledged chunk by chunk.
package link

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/soltara/satdec/internal/bufpool"
	satdecerrors "github.com/soltara/satdec/internal/errors"
)

// Opcode identifies a Host Link packet type.
type Opcode byte

const (
	OpList      Opcode = 'L'
	OpSubscribe Opcode = 'S'
	OpDecode    Opcode = 'D'
	OpAck       Opcode = 'A'
	OpDebug     Opcode = 'G'
	OpError     Opcode = 'E'
)

func (o Opcode) String() string {
	return string(byte(o))
}

const (
	// Magic is the fixed first byte of every header.
	Magic byte = 0x25 // '%'

	// HeaderSize is the fixed header length: magic + opcode + 2-byte length.
	HeaderSize = 4

	// ChunkSize is the maximum body chunk transferred before an
	// intervening Ack is required.
	ChunkSize = 256
)

// Header is the fixed 4-byte packet header: magic, opcode, little-endian
// body length.
type Header struct {
	Opcode Opcode
	Length uint16
}

// ReadHeader reads the next packet header from r. It is resynchronizing:
// it discards bytes until it sees the magic byte, then reads the
// remaining three header bytes.
func ReadHeader(r io.Reader) (Header, error) {
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Header{}, satdecerrors.NewLinkError("read_header", err)
		}
		if b[0] == Magic {
			break
		}
	}
	var rest [3]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Header{}, satdecerrors.NewLinkError("read_header", err)
	}
	return Header{
		Opcode: Opcode(rest[0]),
		Length: binary.LittleEndian.Uint16(rest[1:3]),
	}, nil
}

// WriteHeader writes h to w.
func WriteHeader(w io.Writer, h Header) error {
	buf := [HeaderSize]byte{Magic, byte(h.Opcode)}
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	if _, err := w.Write(buf[:]); err != nil {
		return satdecerrors.NewLinkError("write_header", err)
	}
	return nil
}

// WriteAck writes a zero-length Ack header to w.
func WriteAck(w io.Writer) error {
	return WriteHeader(w, Header{Opcode: OpAck})
}

// ReadAck reads the next header from r and reports an error if it is not
// an Ack.
func ReadAck(r io.Reader) error {
	h, err := ReadHeader(r)
	if err != nil {
		return err
	}
	if h.Opcode != OpAck {
		return satdecerrors.NewLinkError("read_ack", fmt.Errorf("expected ack, got opcode %s", h.Opcode))
	}
	return nil
}

// WriteError writes a zero-length Error header to w.
func WriteError(w io.Writer) error {
	return WriteHeader(w, Header{Opcode: OpError})
}

// WriteDebug writes a Debug packet carrying msg. Debug is fire-and-forget:
// the receiver neither acks the header nor the body.
func WriteDebug(w io.Writer, msg string) error {
	if err := WriteHeader(w, Header{Opcode: OpDebug, Length: uint16(len(msg))}); err != nil {
		return err
	}
	if _, err := io.WriteString(w, msg); err != nil {
		return satdecerrors.NewLinkError("write_debug", err)
	}
	return nil
}

// ReadBody reads length bytes from r in ChunkSize chunks, acknowledging
// each full chunk on ackTo before the sender continues. The returned slice
// is drawn from the package's buffer pool; callers that are done with it
// before returning further up the stack should release it with
// bufpool.Put.
func ReadBody(r io.Reader, ackTo io.Writer, length int) ([]byte, error) {
	body := bufpool.Get(length)
	offset := 0
	for offset < length {
		chunkLen := length - offset
		if chunkLen > ChunkSize {
			chunkLen = ChunkSize
		}
		if _, err := io.ReadFull(r, body[offset:offset+chunkLen]); err != nil {
			return nil, satdecerrors.NewLinkError("read_body", err)
		}
		offset += chunkLen
		if chunkLen == ChunkSize {
			if err := WriteAck(ackTo); err != nil {
				return nil, err
			}
		}
	}
	return body, nil
}

// WriteBody writes data to w in ChunkSize chunks, waiting for an Ack on
// ackFrom after each full chunk before continuing.
func WriteBody(w io.Writer, ackFrom io.Reader, data []byte) error {
	offset := 0
	for offset < len(data) {
		chunkLen := len(data) - offset
		if chunkLen > ChunkSize {
			chunkLen = ChunkSize
		}
		if _, err := w.Write(data[offset : offset+chunkLen]); err != nil {
			return satdecerrors.NewLinkError("write_body", err)
		}
		offset += chunkLen
		if chunkLen == ChunkSize {
			if err := ReadAck(ackFrom); err != nil {
				return err
			}
		}
	}
	return nil
}
