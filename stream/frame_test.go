package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
)

func roundTrip(t *testing.T, evt *StreamEvent) *StreamEvent {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, evt.Serialize(buf))
	var out StreamEvent
	require.NoError(t, out.Deserialize(buf))
	assert.Zero(t, buf.Len(), "trailing bytes after event")
	return &out
}

func TestFramePayloadKinds(t *testing.T) {
	assert := assert.New(t)

	// identical bytes, distinguished by kind
	raw := []byte(`{"a":1}`)

	blob := roundTrip(t, &StreamEvent{Frame: &Frame{JobID: "job1", Seq: 1, Payload: BlobPayload(raw)}})
	require.NotNil(t, blob.Frame)
	assert.Nil(blob.Error)
	assert.Equal("job1", blob.Frame.JobID)
	assert.Equal(int64(1), blob.Frame.Seq)
	assert.False(blob.Frame.Final)
	assert.Equal(BlobPayload(raw), blob.Frame.Payload)

	obj := roundTrip(t, &StreamEvent{Frame: &Frame{JobID: "job1", Seq: 2, Final: true, Payload: ObjectPayload(raw)}})
	require.NotNil(t, obj.Frame)
	assert.True(obj.Frame.Final)
	p, ok := obj.Frame.Payload.(ObjectPayload)
	require.True(t, ok)
	var v map[string]int
	assert.NoError(p.Unmarshal(&v))
	assert.Equal(map[string]int{"a": 1}, v)

	empty := roundTrip(t, &StreamEvent{Frame: &Frame{JobID: "job1", Seq: 3, Payload: BlobPayload{}}})
	assert.Empty(empty.Frame.Payload)
}

func TestErrorFrame(t *testing.T) {
	assert := assert.New(t)

	out := roundTrip(t, &StreamEvent{Error: &ErrorFrame{JobID: "job1", Error: "BadRequest", Message: "bad request: nope"}})
	assert.Nil(out.Frame)
	assert.Equal(&ErrorFrame{JobID: "job1", Error: "BadRequest", Message: "bad request: nope"}, out.Error)

	out = roundTrip(t, &StreamEvent{Error: &ErrorFrame{Error: "BadRequest", Message: "unparseable"}})
	assert.Equal("", out.Error.JobID)
}

func TestSerializeRejectsEmpty(t *testing.T) {
	assert := assert.New(t)
	buf := new(bytes.Buffer)
	assert.Error((&StreamEvent{}).Serialize(buf))
	assert.Error((&StreamEvent{Frame: &Frame{JobID: "job1"}}).Serialize(buf))
}

func TestDeserializeUnknownOp(t *testing.T) {
	assert := assert.New(t)

	buf := new(bytes.Buffer)
	cw := cbg.NewCborWriter(buf)
	header := EventHeader{Op: 7}
	require.NoError(t, header.marshalCBOR(cw))

	var evt StreamEvent
	assert.Error(evt.Deserialize(buf))

	buf.Reset()
	header = EventHeader{Op: OpMessage, MsgType: "#other"}
	require.NoError(t, header.marshalCBOR(cw))
	assert.Error(evt.Deserialize(buf))
}

func TestHeaderWireFormat(t *testing.T) {
	assert := assert.New(t)

	buf := new(bytes.Buffer)
	header := EventHeader{Op: OpErrorFrame}
	require.NoError(t, header.marshalCBOR(cbg.NewCborWriter(buf)))
	// {"op": -1}
	assert.Equal([]byte{0xa1, 0x62, 'o', 'p', 0x20}, buf.Bytes())
}
