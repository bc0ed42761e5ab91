package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends protobuf wire-format fields. Zero values are omitted, the
// same as proto3 scalars.
type encoder struct {
	buf []byte
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *encoder) strings(num protowire.Number, values []string) {
	for _, s := range values {
		e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
		e.buf = protowire.AppendString(e.buf, s)
	}
}

func (e *encoder) bytes(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// message always writes the field, even when the nested body is empty, so
// repeated entries keep their position.
func (e *encoder) message(num protowire.Number, body []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, body)
}

type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

// walk visits every field in b. Unknown fields are passed to visit too; the
// callers ignore numbers they do not know so newer peers can add fields.
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := visit(field{num: num, typ: typ, raw: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func (f field) string() (string, error) {
	if f.typ != protowire.BytesType {
		return "", fmt.Errorf("field %d: expected length-delimited, got wire type %d", f.num, f.typ)
	}
	s, n := protowire.ConsumeString(f.raw)
	if n < 0 {
		return "", protowire.ParseError(n)
	}
	return s, nil
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: expected length-delimited, got wire type %d", f.num, f.typ)
	}
	b, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return append([]byte(nil), b...), nil
}

func (f field) uint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: expected varint, got wire type %d", f.num, f.typ)
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}
