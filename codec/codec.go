package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/x-mqauth-envelope"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
	ContentType() string
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ForContentType maps a message body's content-type property to the codec
// that decodes it into a Request or Response. An empty content type is
// treated as JSON, which is what every worker written before the property
// was set sends.
//
// ContentTypeBinary names whole envelopes inside broker frames, never a
// body, so it is not accepted here.
func ForContentType(ct string) (Codec, bool) {
	switch ct {
	case ContentTypeJSON, "":
		return &JSONCodec{}, true
	}
	return nil, false
}
