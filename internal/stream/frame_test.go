package stream

import (
	"encoding/binary"
	"testing"
)

func encodeFrame(t *testing.T, messageID uint64, refID string, format byte, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 0, frameHeaderMin+len(refID)+5+len(payload))
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], messageID)
	buf = append(buf, id[:]...)
	buf = append(buf, 0, 0) // reserved
	buf = append(buf, byte(len(refID)))
	buf = append(buf, refID...)
	buf = append(buf, format)
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	buf = append(buf, size[:]...)
	buf = append(buf, payload...)
	return buf
}

func TestDecodeSingleFrame(t *testing.T) {
	t.Parallel()
	var d frameDecoder

	frames, err := d.Feed(encodeFrame(t, 42, "sub-1", 0, []byte(`[{"OrderId":"o-1"}]`)))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	f := frames[0]
	if f.MessageID != 42 {
		t.Errorf("message id = %d, want 42", f.MessageID)
	}
	if f.RefID != "sub-1" {
		t.Errorf("ref id = %q, want sub-1", f.RefID)
	}
	if string(f.Payload) != `[{"OrderId":"o-1"}]` {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestDecodeMultipleFramesInOneRead(t *testing.T) {
	t.Parallel()
	var d frameDecoder

	data := append(
		encodeFrame(t, 1, "sub-1", 0, []byte(`{}`)),
		encodeFrame(t, 2, "_heartbeat", 0, []byte(`{}`))...)
	frames, err := d.Feed(data)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].MessageID != 1 || frames[1].MessageID != 2 {
		t.Fatalf("message ids = %d, %d", frames[0].MessageID, frames[1].MessageID)
	}
}

func TestPartialFrameRollsOver(t *testing.T) {
	t.Parallel()
	var d frameDecoder

	full := encodeFrame(t, 7, "sub-1", 0, []byte(`{"Uic":21}`))
	cut := len(full) - 4

	frames, err := d.Feed(full[:cut])
	if err != nil {
		t.Fatalf("feed head: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("frames from partial = %d, want 0", len(frames))
	}

	frames, err = d.Feed(full[cut:])
	if err != nil {
		t.Fatalf("feed tail: %v", err)
	}
	if len(frames) != 1 || frames[0].MessageID != 7 {
		t.Fatalf("frames = %+v, want one frame with id 7", frames)
	}
}

func TestNonJSONPayloadFormatClearsBuffer(t *testing.T) {
	t.Parallel()
	var d frameDecoder

	if _, err := d.Feed(encodeFrame(t, 1, "sub-1", 2, []byte(`{}`))); err == nil {
		t.Fatal("expected error for non-JSON payload format")
	}
	if d.buf != nil {
		t.Fatalf("buffer not cleared: %d bytes remain", len(d.buf))
	}

	// The decoder recovers on the next clean frame.
	frames, err := d.Feed(encodeFrame(t, 2, "sub-1", 0, []byte(`{}`)))
	if err != nil {
		t.Fatalf("feed after reset: %v", err)
	}
	if len(frames) != 1 || frames[0].MessageID != 2 {
		t.Fatalf("frames = %+v, want one frame with id 2", frames)
	}
}
