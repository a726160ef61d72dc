package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The wire format is a fixed 10-byte header followed by an opaque body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes — no delimiter scanning on the TCP stream.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │k │st│ bodyLen │    body ...   │
//	│ qbp  │01│  │  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴───────────────┘

// Magic bytes "qbp" identify a valid frame, rejecting stray connections
// (e.g. an HTTP client hitting the wrong port) at the first read.
const (
	magicByte1 byte = 0x71 // 'q'
	magicByte2 byte = 0x62 // 'b'
	magicByte3 byte = 0x70 // 'p'

	frameVersion byte = 0x01
	headerSize   int  = 10 // 3 (magic) + 1 (version) + 1 (kind) + 1 (status) + 4 (bodyLen)

	// maxFrameBody bounds a single payload so a corrupt or hostile length
	// field cannot make the reader allocate gigabytes.
	maxFrameBody = 16 << 20
)

// FrameKind distinguishes requests from responses on the wire.
type FrameKind byte

const (
	FrameRequest  FrameKind = 0
	FrameResponse FrameKind = 1
)

// Status classifies a response frame.
type Status byte

const (
	// StatusOK carries a successful response payload.
	StatusOK Status = 0
	// StatusRejected is an application-level rejection by the responder.
	// The body carries the error message. Not retryable through the
	// balancer: another backend would give the same answer.
	StatusRejected Status = 1
	// StatusUnavailable means the responder had no capacity for the call.
	// Retryable by the caller.
	StatusUnavailable Status = 2
)

// Frame is one request or response on the wire. The body is opaque payload
// for StatusOK requests/responses, or an error message otherwise.
type Frame struct {
	Kind   FrameKind
	Status Status
	Body   []byte
}

// WriteFrame writes a complete frame to w. Callers sharing a writer across
// goroutines must serialize writes, or frames will interleave and corrupt
// the stream.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := make([]byte, headerSize)
	buf[0], buf[1], buf[2] = magicByte1, magicByte2, magicByte3
	buf[3] = frameVersion
	buf[4] = byte(f.Kind)
	buf[5] = byte(f.Status)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(f.Body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(f.Body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one complete frame from r, validating the header fields.
// io.ReadFull guarantees exactly N bytes per section, so partial reads on
// the stream never produce a torn frame.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if header[0] != magicByte1 || header[1] != magicByte2 || header[2] != magicByte3 {
		return nil, fmt.Errorf("invalid frame magic: %x", header[0:3])
	}
	if header[3] != frameVersion {
		return nil, fmt.Errorf("unsupported frame version: %d", header[3])
	}
	kind := FrameKind(header[4])
	if kind != FrameRequest && kind != FrameResponse {
		return nil, fmt.Errorf("unsupported frame kind: %d", header[4])
	}
	status := Status(header[5])
	if status != StatusOK && status != StatusRejected && status != StatusUnavailable {
		return nil, fmt.Errorf("unsupported frame status: %d", header[5])
	}

	bodyLen := binary.BigEndian.Uint32(header[6:10])
	if bodyLen > maxFrameBody {
		return nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return &Frame{Kind: kind, Status: status, Body: body}, nil
}
