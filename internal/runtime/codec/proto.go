package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	protoMarshalOptions   = protojson.MarshalOptions{EmitUnpopulated: true}
	protoUnmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}
)

type protoCodec struct{}

func (protoCodec) Name() string { return "protojson" }

func (protoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return protoMarshalOptions.Marshal(msg)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return protoUnmarshalOptions.Unmarshal(data, msg)
}
