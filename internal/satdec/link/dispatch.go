package link

import (
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/soltara/satdec/internal/bufpool"
	satdecerrors "github.com/soltara/satdec/internal/errors"
	"github.com/soltara/satdec/internal/logger"
	"github.com/soltara/satdec/internal/satdec/wire"
)

// Engine is the channel-cryptography core the dispatcher drives. Decoder
// implements it; the interface lives here so link does not import decoder
// (decoder already depends on directory/keytree, not the other way round).
type Engine interface {
	List() ([]wire.ChannelInfo, error)
	Subscribe(body []byte) error
	Decode(frame []byte) ([]byte, error)
}

// Dispatcher runs the Host Link's single-threaded request/response loop
// over one serial link, routing requests to an Engine.
type Dispatcher struct {
	rw  io.ReadWriter
	eng Engine
	log *slog.Logger
}

// NewDispatcher builds a Dispatcher reading requests from and writing
// responses to rw.
func NewDispatcher(rw io.ReadWriter, eng Engine) *Dispatcher {
	return &Dispatcher{rw: rw, eng: eng, log: logger.Logger()}
}

// Serve runs the dispatch loop until an I/O error on the link ends it (e.g.
// the serial pipe is closed). A failed List, Subscribe or Decode never
// aborts the loop; a failed header or body read, or a failed Ack or Debug
// write, does.
func (d *Dispatcher) Serve() error {
	for {
		if err := d.serveOne(); err != nil {
			return err
		}
	}
}

// serveOne handles exactly one request: read header, ack, read body,
// dispatch, respond. Errors reading the header or body, or writing the
// request Ack or the unsupported-opcode Debug packet, are returned to the
// caller (link lost); a failed operation is reported with an Error packet,
// a failed response write is only logged, and the loop continues.
func (d *Dispatcher) serveOne() error {
	hdr, err := ReadHeader(d.rw)
	if err != nil {
		return err
	}
	log := logger.WithOpcode(d.log, byte(hdr.Opcode))

	if err := WriteAck(d.rw); err != nil {
		return err
	}

	var body []byte
	if hdr.Length > 0 {
		body, err = ReadBody(d.rw, d.rw, int(hdr.Length))
		if err != nil {
			return err
		}
		defer bufpool.Put(body)
	}

	switch hdr.Opcode {
	case OpList:
		d.handleList(log)
	case OpSubscribe:
		d.handleSubscribe(log, body)
	case OpDecode:
		d.handleDecode(log, body)
	default:
		log.Warn("unsupported opcode")
		return WriteDebug(d.rw, "unsupported opcode")
	}
	return nil
}

func (d *Dispatcher) handleList(log *slog.Logger) {
	infos, err := d.eng.List()
	if err != nil {
		log.Error("list failed", "err", err)
		_ = WriteError(d.rw)
		return
	}

	respLen := 4 + len(infos)*wire.ChannelInfoSize
	resp := bufpool.Get(respLen)
	defer bufpool.Put(resp)
	binary.LittleEndian.PutUint32(resp, uint32(len(infos)))
	body := resp[:4]
	for _, info := range infos {
		body = info.Encode(body)
	}
	d.respond(log, OpList, body)
}

// subscribeChannelIDOffset is the byte offset of the channel id field in a
// Subscribe body (spec §4.4 Subscribe): decoder_id(4) + start_ts(8) + end_ts(8).
const subscribeChannelIDOffset = 4 + 8 + 8

// subscribeChannelID peeks the channel id out of a Subscribe body for
// logging context, without validating or acting on the rest of the body —
// that's the Engine's job.
func subscribeChannelID(body []byte) (uint32, bool) {
	if len(body) < subscribeChannelIDOffset+4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(body[subscribeChannelIDOffset : subscribeChannelIDOffset+4]), true
}

func (d *Dispatcher) handleSubscribe(log *slog.Logger, body []byte) {
	if channelID, ok := subscribeChannelID(body); ok {
		log = logger.WithChannel(log, channelID)
	}
	if err := d.eng.Subscribe(body); err != nil {
		d.logAndReject(log, "subscribe failed", err)
		return
	}
	d.respond(log, OpSubscribe, nil)
}

func (d *Dispatcher) handleDecode(log *slog.Logger, body []byte) {
	if frame, err := wire.DecodeChannelFrame(body); err == nil {
		log = logger.WithFrame(log, frame.Channel, frame.Timestamp)
	}
	plaintext, err := d.eng.Decode(body)
	if err != nil {
		d.logAndReject(log, "decode failed", err)
		return
	}
	d.respond(log, OpDecode, plaintext)
}

func (d *Dispatcher) logAndReject(log *slog.Logger, msg string, err error) {
	kind, ok := satdecerrors.KindOf(err)
	if ok {
		log.Error(msg, "kind", kind.String())
	} else {
		log.Error(msg, "err", err)
	}
	_ = WriteError(d.rw)
}

// respond emits a response header of the given opcode carrying body, then
// (per spec §4.5) waits for the host's Ack before sending a non-empty body.
func (d *Dispatcher) respond(log *slog.Logger, op Opcode, body []byte) {
	hdr := Header{Opcode: op, Length: uint16(len(body))}
	if err := WriteHeader(d.rw, hdr); err != nil {
		log.Error("write response header failed", "err", err)
		return
	}
	if len(body) == 0 {
		return
	}
	if err := ReadAck(d.rw); err != nil {
		log.Error("host did not ack response header", "err", err)
		return
	}
	if err := WriteBody(d.rw, d.rw, body); err != nil {
		log.Error("write response body failed", "err", err)
	}
}
