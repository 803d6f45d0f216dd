// Package stream maintains the ENS websocket connection: binary frame
// decoding, activity normalization, liveness monitoring, and the
// soft/hard reconnect ladder.
package stream

import (
	"encoding/binary"
	"fmt"
)

// Frame is one decoded streaming message.
//
// Wire layout (little-endian):
//
//	offset 0   8 bytes  message id
//	offset 8   2 bytes  reserved
//	offset 10  1 byte   reference id size
//	offset 11  n bytes  reference id (UTF-8)
//	           1 byte   payload format (0 = JSON)
//	           4 bytes  payload size
//	           m bytes  payload
type Frame struct {
	MessageID uint64
	RefID     string
	Payload   []byte
}

const frameHeaderMin = 11 // through the ref-id size byte

// frameDecoder reassembles frames from the websocket read stream. A frame
// may span reads; the tail of an incomplete frame rolls over into the next
// Feed call.
type frameDecoder struct {
	buf []byte
}

// Feed appends data and returns every complete frame now available.
// A non-JSON payload format is unrecoverable mid-stream: the buffer is
// cleared and an error returned so the caller can force a reconnect.
func (d *frameDecoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		if len(d.buf) < frameHeaderMin {
			return frames, nil
		}
		refSize := int(d.buf[10])
		need := frameHeaderMin + refSize + 1 + 4
		if len(d.buf) < need {
			return frames, nil
		}

		formatOff := frameHeaderMin + refSize
		if format := d.buf[formatOff]; format != 0 {
			d.buf = nil
			return frames, fmt.Errorf("unsupported payload format %d, stream out of sync", format)
		}

		payloadSize := int(binary.LittleEndian.Uint32(d.buf[formatOff+1 : formatOff+5]))
		total := need + payloadSize
		if len(d.buf) < total {
			return frames, nil
		}

		payload := make([]byte, payloadSize)
		copy(payload, d.buf[need:total])
		frames = append(frames, Frame{
			MessageID: binary.LittleEndian.Uint64(d.buf[0:8]),
			RefID:     string(d.buf[frameHeaderMin : frameHeaderMin+refSize]),
			Payload:   payload,
		})
		d.buf = d.buf[total:]
	}
}

// Reset discards any partial frame. Called on reconnect: the replayed
// stream restarts at a frame boundary.
func (d *frameDecoder) Reset() {
	d.buf = nil
}
