// Package transport carries the two planes of the training loop over one TCP
// connection per worker process: high-rate sample/reply frames addressed by
// label and lane, and low-rate control frames paired by correlation id.
// Payloads are opaque to this package.
package transport

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameHelloAck
	frameSample
	frameReply
	frameCtrl
	frameCtrlReply
)

// frame is the unit on the wire: kind, an 8-byte id (lane for samples and
// replies, correlation id for control), a length-prefixed label and a
// length-prefixed payload, all big-endian.
type frame struct {
	kind    frameKind
	id      uint64
	label   string
	payload []byte
}

// maxPayload guards against corrupt length prefixes.
const maxPayload = 64 << 20

func writeFrame(w *bufio.Writer, f *frame) error {
	if err := w.WriteByte(byte(f.kind)); err != nil {
		return errors.Wrap(err, "failed to write frame kind")
	}
	var header [10]byte
	binary.BigEndian.PutUint64(header[:8], f.id)
	binary.BigEndian.PutUint16(header[8:], uint16(len(f.label)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "failed to write frame header")
	}
	if _, err := w.WriteString(f.label); err != nil {
		return errors.Wrap(err, "failed to write frame label")
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(f.payload)))
	if _, err := w.Write(size[:]); err != nil {
		return errors.Wrap(err, "failed to write frame size")
	}
	if _, err := w.Write(f.payload); err != nil {
		return errors.Wrap(err, "failed to write frame payload")
	}
	return nil
}

func readFrame(r *bufio.Reader) (*frame, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var header [10]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read frame header")
	}
	f := &frame{kind: frameKind(kind), id: binary.BigEndian.Uint64(header[:8])}
	if labelLen := binary.BigEndian.Uint16(header[8:]); labelLen > 0 {
		label := make([]byte, labelLen)
		if _, err = io.ReadFull(r, label); err != nil {
			return nil, errors.Wrap(err, "failed to read frame label")
		}
		f.label = string(label)
	}
	var size [4]byte
	if _, err = io.ReadFull(r, size[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read frame size")
	}
	payloadLen := binary.BigEndian.Uint32(size[:])
	if payloadLen > maxPayload {
		return nil, errors.Errorf("frame payload of %d bytes exceeds the %d limit", payloadLen, maxPayload)
	}
	if payloadLen > 0 {
		f.payload = make([]byte, payloadLen)
		if _, err = io.ReadFull(r, f.payload); err != nil {
			return nil, errors.Wrap(err, "failed to read frame payload")
		}
	}
	return f, nil
}

// hello opens every connection, client to server.
type hello struct {
	ClientID string `json:"client_id"`
}

// helloAck answers it with the client's lane partition.
type helloAck struct {
	ClientIdx  int `json:"client_idx"`
	NumClients int `json:"num_clients"`
}
