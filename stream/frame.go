package stream

import (
	"encoding/json"
	"fmt"
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"
)

const (
	OpErrorFrame = -1
	OpMessage    = 1
)

const MsgTypeFrame = "#frame"

// max size of a single frame payload
const maxPayloadSize = 8 << 20

// Every binary message is a header map followed by a body map, both CBOR.
type EventHeader struct {
	Op      int64  `json:"op" cborgen:"op"`
	MsgType string `json:"t,omitempty" cborgen:"t,omitempty"`
}

// Frame payload. Either a BlobPayload or an ObjectPayload; the wire form carries a kind tag so the two are never confused.
type Payload interface {
	payloadKind() string
	payloadBytes() []byte
}

// Opaque binary data.
type BlobPayload []byte

// Structured data, as JSON.
type ObjectPayload json.RawMessage

func (p BlobPayload) payloadKind() string { return "blob" }
func (p BlobPayload) payloadBytes() []byte { return p }
func (p ObjectPayload) payloadKind() string { return "object" }
func (p ObjectPayload) payloadBytes() []byte { return p }

func NewObjectPayload(v any) (ObjectPayload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ObjectPayload(b), nil
}

// Decodes the JSON carried by an object payload.
func (p ObjectPayload) Unmarshal(v any) error {
	return json.Unmarshal(p, v)
}

type Frame struct {
	JobID   string
	Seq     int64
	Final   bool
	Payload Payload
}

type ErrorFrame struct {
	JobID   string
	Error   string
	Message string
}

// Exactly one of the fields is set.
type StreamEvent struct {
	Frame *Frame
	Error *ErrorFrame
}

func (evt *StreamEvent) Serialize(w io.Writer) error {
	header := EventHeader{Op: OpMessage}
	var body func(*cbg.CborWriter) error

	switch {
	case evt.Error != nil:
		header.Op = OpErrorFrame
		body = evt.Error.marshalCBOR
	case evt.Frame != nil:
		header.MsgType = MsgTypeFrame
		body = evt.Frame.marshalCBOR
	default:
		return fmt.Errorf("unrecognized event kind")
	}

	cw := cbg.NewCborWriter(w)
	if err := header.marshalCBOR(cw); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return body(cw)
}

func (evt *StreamEvent) Deserialize(r io.Reader) error {
	cr := cbg.NewCborReader(r)
	var header EventHeader
	if err := header.unmarshalCBOR(cr); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	switch header.Op {
	case OpMessage:
		if header.MsgType != MsgTypeFrame {
			return fmt.Errorf("unrecognized message type: %q", header.MsgType)
		}
		var f Frame
		if err := f.unmarshalCBOR(cr); err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		evt.Frame = &f
	case OpErrorFrame:
		var ef ErrorFrame
		if err := ef.unmarshalCBOR(cr); err != nil {
			return fmt.Errorf("reading error frame: %w", err)
		}
		evt.Error = &ef
	default:
		return fmt.Errorf("unrecognized event stream op: %d", header.Op)
	}
	return nil
}

func writeString(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.WriteString(s)
	return err
}

func writeText(cw *cbg.CborWriter, k, v string) error {
	if err := writeString(cw, k); err != nil {
		return err
	}
	return writeString(cw, v)
}

// Reads a map header, then calls field for each key.
func readMap(cr *cbg.CborReader, field func(key string) error) error {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap {
		return fmt.Errorf("cbor input should be of type map")
	}
	for i := uint64(0); i < n; i++ {
		key, err := cbg.ReadString(cr)
		if err != nil {
			return err
		}
		if err := field(key); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (t *EventHeader) marshalCBOR(cw *cbg.CborWriter) error {
	fields := uint64(2)
	if t.MsgType == "" {
		fields--
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, fields); err != nil {
		return err
	}
	if err := writeString(cw, "op"); err != nil {
		return err
	}
	if err := cbg.CborInt(t.Op).MarshalCBOR(cw); err != nil {
		return err
	}
	if t.MsgType != "" {
		if err := writeText(cw, "t", t.MsgType); err != nil {
			return err
		}
	}
	return nil
}

func (t *EventHeader) unmarshalCBOR(cr *cbg.CborReader) error {
	*t = EventHeader{}
	return readMap(cr, func(key string) error {
		switch key {
		case "op":
			var op cbg.CborInt
			if err := op.UnmarshalCBOR(cr); err != nil {
				return err
			}
			t.Op = int64(op)
		case "t":
			s, err := cbg.ReadString(cr)
			if err != nil {
				return err
			}
			t.MsgType = s
		default:
			return fmt.Errorf("unknown header field")
		}
		return nil
	})
}

func (t *Frame) marshalCBOR(cw *cbg.CborWriter) error {
	if t.Payload == nil {
		return fmt.Errorf("frame for %s has no payload", t.JobID)
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 4); err != nil {
		return err
	}
	if err := writeText(cw, "job_id", t.JobID); err != nil {
		return err
	}

	if err := writeString(cw, "seq"); err != nil {
		return err
	}
	if err := cbg.CborInt(t.Seq).MarshalCBOR(cw); err != nil {
		return err
	}

	if err := writeString(cw, "final"); err != nil {
		return err
	}
	if err := cbg.WriteBool(cw, t.Final); err != nil {
		return err
	}

	if err := writeString(cw, "payload"); err != nil {
		return err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, 2); err != nil {
		return err
	}
	if err := writeText(cw, "kind", t.Payload.payloadKind()); err != nil {
		return err
	}
	if err := writeString(cw, "data"); err != nil {
		return err
	}
	data := t.Payload.payloadBytes()
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(data))); err != nil {
		return err
	}
	_, err := cw.Write(data)
	return err
}

func (t *Frame) unmarshalCBOR(cr *cbg.CborReader) error {
	*t = Frame{}
	return readMap(cr, func(key string) error {
		switch key {
		case "job_id":
			s, err := cbg.ReadString(cr)
			if err != nil {
				return err
			}
			t.JobID = s
		case "seq":
			var seq cbg.CborInt
			if err := seq.UnmarshalCBOR(cr); err != nil {
				return err
			}
			t.Seq = int64(seq)
		case "final":
			var final cbg.CborBool
			if err := final.UnmarshalCBOR(cr); err != nil {
				return err
			}
			t.Final = bool(final)
		case "payload":
			p, err := readPayload(cr)
			if err != nil {
				return err
			}
			t.Payload = p
		default:
			return fmt.Errorf("unknown frame field")
		}
		return nil
	})
}

func readPayload(cr *cbg.CborReader) (Payload, error) {
	var kind string
	var data []byte
	err := readMap(cr, func(key string) error {
		var err error
		switch key {
		case "kind":
			kind, err = cbg.ReadString(cr)
		case "data":
			data, err = cbg.ReadByteArray(cr, maxPayloadSize)
		default:
			err = fmt.Errorf("unknown payload field")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	switch kind {
	case "blob":
		return BlobPayload(data), nil
	case "object":
		return ObjectPayload(data), nil
	default:
		return nil, fmt.Errorf("unknown payload kind: %q", kind)
	}
}

func (t *ErrorFrame) marshalCBOR(cw *cbg.CborWriter) error {
	fields := uint64(3)
	if t.JobID == "" {
		fields--
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, fields); err != nil {
		return err
	}
	if t.JobID != "" {
		if err := writeText(cw, "job_id", t.JobID); err != nil {
			return err
		}
	}
	if err := writeText(cw, "error", t.Error); err != nil {
		return err
	}
	return writeText(cw, "message", t.Message)
}

func (t *ErrorFrame) unmarshalCBOR(cr *cbg.CborReader) error {
	*t = ErrorFrame{}
	return readMap(cr, func(key string) error {
		s, err := cbg.ReadString(cr)
		if err != nil {
			return err
		}
		switch key {
		case "job_id":
			t.JobID = s
		case "error":
			t.Error = s
		case "message":
			t.Message = s
		default:
			return fmt.Errorf("unknown error frame field")
		}
		return nil
	})
}
