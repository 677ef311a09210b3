package udf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single frame. Points are small; anything
// near this limit is a corrupt length prefix or a hostile peer.
const DefaultMaxFrameBytes = 1 << 20

// Decoder reads length-prefixed request frames from a byte stream.
// Frames are a uvarint byte length followed by a JSON-encoded Request.
type Decoder struct {
	r        *bufio.Reader
	maxFrame int
}

// NewDecoder wraps r. maxFrame <= 0 selects DefaultMaxFrameBytes.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Decoder{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// Decode reads the next request. Returns io.EOF on a clean end of stream
// (EOF exactly at a frame boundary); any other failure is an error.
func (d *Decoder) Decode() (Request, error) {
	var req Request

	n, err := binary.ReadUvarint(d.r)
	if err != nil {
		if err == io.EOF {
			return req, io.EOF
		}
		return req, fmt.Errorf("read frame length: %w", err)
	}
	if n == 0 || n > uint64(d.maxFrame) {
		return req, fmt.Errorf("frame length %d out of range (max %d)", n, d.maxFrame)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return req, fmt.Errorf("read frame body: %w", err)
	}

	if err := unmarshalStrict(buf, &req); err != nil {
		return req, fmt.Errorf("decode frame: %w", err)
	}
	if err := validateRequest(req); err != nil {
		return req, err
	}
	return req, nil
}

// unmarshalStrict decodes JSON rejecting unrecognized fields, in the
// envelope and in the nested payload structs alike.
func unmarshalStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// validateRequest rejects unknown kinds and kind/payload mismatches.
func validateRequest(req Request) error {
	switch req.Type {
	case RequestInit:
		if req.Init == nil {
			return fmt.Errorf("init request missing payload")
		}
	case RequestOptions:
		if req.Options == nil {
			return fmt.Errorf("options request missing payload")
		}
	case RequestPoint:
		if req.Point == nil {
			return fmt.Errorf("point request missing payload")
		}
	case RequestRestore:
		if req.Restore == nil {
			return fmt.Errorf("restore request missing payload")
		}
	case RequestBeginBatch, RequestEndBatch, RequestSnapshot, RequestTerminate:
		// no payload
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
	return nil
}

// Encoder writes length-prefixed response frames to a byte stream.
type Encoder struct {
	w   *bufio.Writer
	len [binary.MaxVarintLen64]byte
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one response frame and flushes it. A partial write leaves
// the stream unusable; callers treat any error as fatal to the session.
func (e *Encoder) Encode(resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	n := binary.PutUvarint(e.len[:], uint64(len(body)))
	if _, err := e.w.Write(e.len[:n]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := e.w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return e.w.Flush()
}

// EncodeRequest frames a request the same way responses are framed.
// Used by the demo client; the agent itself only decodes requests.
func EncodeRequest(w *bufio.Writer, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeResponse reads one response frame. Used by the demo client.
func DecodeResponse(r *bufio.Reader, maxFrame int) (Response, error) {
	var resp Response
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return resp, io.EOF
		}
		return resp, fmt.Errorf("read frame length: %w", err)
	}
	if n == 0 || n > uint64(maxFrame) {
		return resp, fmt.Errorf("frame length %d out of range (max %d)", n, maxFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return resp, fmt.Errorf("read frame body: %w", err)
	}
	if err := unmarshalStrict(buf, &resp); err != nil {
		return resp, fmt.Errorf("decode frame: %w", err)
	}
	return resp, nil
}
