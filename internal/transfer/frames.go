package transfer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Data channel frame types.
const (
	FrameFileMetadata    = "file_metadata"
	FrameChunk           = "chunk"
	FrameTransferDone    = "transfer_done"
	FrameDownloadingDone = "downloading_done"
)

// Frame is one data channel message.
type Frame struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// FileMetadata announces the file ahead of its chunks.
type FileMetadata struct {
	Name string `msgpack:"name"`
	Size int64  `msgpack:"size"`
	Type string `msgpack:"type"`
}

// ChunkPayload carries one slice of the file at Offset.
type ChunkPayload struct {
	Offset int64  `msgpack:"offset"`
	Bytes  []byte `msgpack:"bytes"`
}

// EncodeFrame marshals a frame of type t. A nil payload is omitted.
func EncodeFrame(t string, payload any) ([]byte, error) {
	f := Frame{Type: t}
	if payload != nil {
		b, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, NewError("encode "+t, err)
		}
		f.Payload = b
	}
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, NewError("encode frame", err)
	}
	return b, nil
}

// DecodeFrame parses a data channel message.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, WrapError("decode frame", ErrBadFrame, err.Error())
	}
	if f.Type == "" {
		return Frame{}, WrapError("decode frame", ErrBadFrame, "missing type")
	}
	return f, nil
}

// DecodePayload decodes the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return WrapError("decode "+f.Type, ErrBadFrame, "missing payload")
	}
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return WrapError("decode "+f.Type, ErrBadFrame, err.Error())
	}
	return nil
}
