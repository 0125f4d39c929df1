package pb

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// handle is shared (read-only after init, per ugorji/go/codec's own
// concurrency contract) across every Marshal/Unmarshal call in the engine,
// mirroring the single *codec.MsgpackHandle the teacher's cmd/kv state
// machine constructs per call but which is safe, and cheaper, to share.
var handle = &codec.MsgpackHandle{}

// Marshal encodes v (a pointer to one of this package's message structs,
// or any msgpack-codec-compatible value) to MessagePack bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, handle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MessagePack bytes into v (a pointer).
func Unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(data), handle).Decode(v)
}

// CodecName is the name this package's wire encoding is registered under
// with grpc's encoding.Codec registry (see transport/grpc).
const CodecName = "raftmsgpack"

// Codec implements google.golang.org/grpc/encoding.Codec using the same
// MessagePack handle as the rest of the engine, letting the gRPC transport
// move pb.* struct values without generated protobuf descriptors.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) { return Marshal(v) }
func (Codec) Unmarshal(data []byte, v interface{}) error {
	return Unmarshal(data, v)
}
func (Codec) Name() string { return CodecName }
