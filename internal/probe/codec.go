package probe

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"NetSimCore/internal/core/model"
)

// Frame wire format, protobuf-compatible:
//
//	message Frame {
//	  string interface = 1;
//	  google.protobuf.Timestamp timestamp = 2;
//	  bytes data = 3;
//	}
const (
	fieldInterface protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldData      protowire.Number = 3
)

// ErrBadFrame is returned when a message cannot be decoded as a frame.
var ErrBadFrame = errors.New("malformed frame message")

// MarshalFrame encodes f in the protobuf wire format.
func MarshalFrame(f model.Frame) ([]byte, error) {
	b := make([]byte, 0, len(f.Data)+len(f.Interface)+24)
	b = protowire.AppendTag(b, fieldInterface, protowire.BytesType)
	b = protowire.AppendString(b, f.Interface)

	if !f.Timestamp.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(f.Timestamp))
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}

	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Data)
	return b, nil
}

// UnmarshalFrame decodes a message produced by MarshalFrame. Unknown fields
// are skipped.
func UnmarshalFrame(b []byte) (model.Frame, error) {
	var f model.Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return model.Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || num < fieldInterface || num > fieldData {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return model.Frame{}, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return model.Frame{}, fmt.Errorf("%w: field %d: %v", ErrBadFrame, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldInterface:
			f.Interface = string(v)
		case fieldTimestamp:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return model.Frame{}, fmt.Errorf("%w: timestamp: %v", ErrBadFrame, err)
			}
			f.Timestamp = ts.AsTime()
		case fieldData:
			f.Data = bytes.Clone(v)
		}
	}
	return f, nil
}
