package codec

import (
	"encoding/binary"
	"errors"
	"mqauth/message"
)

// BinaryCodec packs a *message.Envelope into length-prefixed fields:
//
//	corrLen(2) corr | replyLen(2) replyTo | ctLen(2) contentType | bodyLen(4) body
type BinaryCodec struct{}

var errShortEnvelope = errors.New("BinaryCodec: truncated envelope")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Envelope")
	}
	for _, s := range []string{env.CorrelationID, env.ReplyTo, env.ContentType} {
		if len(s) > 0xffff {
			return nil, errors.New("BinaryCodec: header field longer than 65535 bytes")
		}
	}

	total := 2 + len(env.CorrelationID) + 2 + len(env.ReplyTo) + 2 + len(env.ContentType) + 4 + len(env.Body)
	buf := make([]byte, total)

	offset := putString16(buf, 0, env.CorrelationID)
	offset = putString16(buf, offset, env.ReplyTo)
	offset = putString16(buf, offset, env.ContentType)

	// Body length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(env.Body)))
	offset += 4
	copy(buf[offset:], env.Body)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *Envelope")
	}

	var err error
	offset := 0
	if env.CorrelationID, offset, err = readString16(data, offset); err != nil {
		return err
	}
	if env.ReplyTo, offset, err = readString16(data, offset); err != nil {
		return err
	}
	if env.ContentType, offset, err = readString16(data, offset); err != nil {
		return err
	}

	if len(data) < offset+4 {
		return errShortEnvelope
	}
	bodyLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+bodyLen {
		return errShortEnvelope
	}
	env.Body = make([]byte, bodyLen)
	copy(env.Body, data[offset:offset+bodyLen])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func (c *BinaryCodec) ContentType() string {
	return ContentTypeBinary
}

func putString16(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:offset+len(s)], s)
	return offset + len(s)
}

func readString16(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", offset, errShortEnvelope
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+n {
		return "", offset, errShortEnvelope
	}
	return string(data[offset : offset+n]), offset + n, nil
}
