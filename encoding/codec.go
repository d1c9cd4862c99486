package encoding

import (
	"github.com/cockroachdb/errors"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype served by Codec
const CodecName = "msgpack"

// Codec carries gRPC messages as msgpack instead of protobuf. Clients select
// it with grpc.CallContentSubtype(CodecName).
type Codec struct{}

func init() {
	grpcencoding.RegisterCodec(Codec{})
}

// Marshal implements encoding.Codec
func (Codec) Marshal(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "msgpack marshal %T", v)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v any) error {
	if err := Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "msgpack unmarshal %T", v)
	}
	return nil
}

// Name implements encoding.Codec
func (Codec) Name() string {
	return CodecName
}
