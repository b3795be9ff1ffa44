package grpc

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"dm-service/internal/apperr"
)

// Requests to the collaborators are single-field messages, which encode
// exactly like the protobuf wrapper types. Responses are read field by field
// from the raw message so no generated code is needed.
type fields struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

func readFields(b []byte) (fields, error) {
	f := fields{
		varints: map[protowire.Number]uint64{},
		bytes:   map[protowire.Number][]byte{},
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.varints[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.bytes[num] = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}

func (f fields) varint(num protowire.Number) int64 { return int64(f.varints[num]) }

func (f fields) flag(num protowire.Number) bool { return f.varints[num] != 0 }

func (f fields) text(num protowire.Number) string { return string(f.bytes[num]) }

// classify maps a gRPC status onto the shared error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		sentinel = apperr.ErrUnauthorized
	case codes.NotFound:
		sentinel = apperr.ErrNotFound
	default:
		sentinel = apperr.ErrUpstream
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, sentinel, err)
}
