package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

const (
	maxDepth      = 64
	maxCollection = 1 << 20
	cborFloat64   = 0xfb
	cborFalse     = 0xf4
	cborTrue      = 0xf5
	cborNull      = 0xf6
	linkTag       = 42
)

// Encode serializes v as DAG-CBOR. The output is a pure function of the
// logical value.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalCBOR writes v as DAG-CBOR.
func (v Value) MarshalCBOR(w io.Writer) error {
	return v.marshal(cbg.NewCborWriter(w), 0)
}

func (v Value) marshal(cw *cbg.CborWriter, depth int) error {
	if depth > maxDepth {
		return errors.New("value nested too deeply")
	}
	switch v.kind {
	case KindNull:
		_, err := cw.Write(cbg.CborNull)
		return err
	case KindBool:
		b := cbg.CborBoolFalse
		if v.b {
			b = cbg.CborBoolTrue
		}
		_, err := cw.Write(b)
		return err
	case KindInt:
		if v.i >= 0 {
			return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(v.i))
		}
		return cw.WriteMajorTypeHeader(cbg.MajNegativeInt, uint64(-v.i-1))
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return fmt.Errorf("cannot encode non-finite float %v", v.f)
		}
		var buf [9]byte
		buf[0] = cborFloat64
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.f))
		_, err := cw.Write(buf[:])
		return err
	case KindString:
		if !utf8.ValidString(v.s) {
			return errors.New("string is not valid utf-8")
		}
		return writeText(cw, v.s)
	case KindBytes:
		if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(v.raw))); err != nil {
			return err
		}
		_, err := cw.Write(v.raw)
		return err
	case KindLink:
		if !v.link.Defined() {
			return errors.New("cannot encode undefined link")
		}
		return cbg.WriteCid(cw, v.link)
	case KindList:
		if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(v.list))); err != nil {
			return err
		}
		for i, e := range v.list {
			if err := e.marshal(cw, depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case KindMap:
		if err := cw.WriteMajorTypeHeader(cbg.MajMap, uint64(len(v.m))); err != nil {
			return err
		}
		for _, k := range v.Keys() {
			if err := writeText(cw, k); err != nil {
				return err
			}
			if err := v.m[k].marshal(cw, depth+1); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown value kind %v", v.kind)
}

func writeText(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(cw, s)
	return err
}

// Decode parses canonical DAG-CBOR. Anything else, including trailing
// bytes, yields an error wrapping ErrDecode.
func Decode(data []byte) (Value, error) {
	r := bytes.NewReader(data)
	v, err := decodeValue(cbg.NewCborReader(r), 0)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if r.Len() != 0 {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}
	return v, nil
}

// UnmarshalCBOR reads one DAG-CBOR value from r into v.
func (v *Value) UnmarshalCBOR(r io.Reader) error {
	decoded, err := decodeValue(cbg.NewCborReader(r), 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	*v = decoded
	return nil
}

func decodeValue(cr *cbg.CborReader, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, errors.New("value nested too deeply")
	}
	first, err := cr.ReadByte()
	if err != nil {
		return Value{}, err
	}
	if first>>5 == cbg.MajOther {
		switch first {
		case cborFalse:
			return Bool(false), nil
		case cborTrue:
			return Bool(true), nil
		case cborNull:
			return Null(), nil
		case cborFloat64:
			var buf [8]byte
			if _, err := io.ReadFull(cr, buf[:]); err != nil {
				return Value{}, err
			}
			f := math.Float64frombits(binary.BigEndian.Uint64(buf[:]))
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return Value{}, errors.New("non-finite float")
			}
			return Float(f), nil
		}
		return Value{}, fmt.Errorf("unsupported simple value 0x%x", first)
	}
	if err := cr.UnreadByte(); err != nil {
		return Value{}, err
	}
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return Value{}, err
	}
	switch maj {
	case cbg.MajUnsignedInt:
		if extra > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer %d out of range", extra)
		}
		return Int(int64(extra)), nil
	case cbg.MajNegativeInt:
		if extra > math.MaxInt64 {
			return Value{}, fmt.Errorf("negative integer out of range")
		}
		return Int(-1 - int64(extra)), nil
	case cbg.MajByteString:
		b, err := readN(cr, extra)
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case cbg.MajTextString:
		b, err := readN(cr, extra)
		if err != nil {
			return Value{}, err
		}
		if !utf8.Valid(b) {
			return Value{}, errors.New("text is not valid utf-8")
		}
		return String(string(b)), nil
	case cbg.MajArray:
		if extra > maxCollection {
			return Value{}, fmt.Errorf("list of %d items too long", extra)
		}
		items := make([]Value, extra)
		for i := range items {
			items[i], err = decodeValue(cr, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return List(items...), nil
	case cbg.MajMap:
		if extra > maxCollection {
			return Value{}, fmt.Errorf("map of %d entries too long", extra)
		}
		m := make(map[string]Value, extra)
		var prev string
		for i := uint64(0); i < extra; i++ {
			kmaj, klen, err := cr.ReadHeader()
			if err != nil {
				return Value{}, err
			}
			if kmaj != cbg.MajTextString {
				return Value{}, fmt.Errorf("map key of major type %d", kmaj)
			}
			kb, err := readN(cr, klen)
			if err != nil {
				return Value{}, err
			}
			k := string(kb)
			if i > 0 && !keyLess(prev, k) {
				return Value{}, fmt.Errorf("map key %q out of canonical order", k)
			}
			prev = k
			m[k], err = decodeValue(cr, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
		}
		return Map(m), nil
	case cbg.MajTag:
		if extra != linkTag {
			return Value{}, fmt.Errorf("unsupported tag %d", extra)
		}
		c, err := readLinkBody(cr)
		if err != nil {
			return Value{}, err
		}
		return Link(c), nil
	}
	return Value{}, fmt.Errorf("unexpected major type %d", maj)
}

func readLinkBody(cr *cbg.CborReader) (cid.Cid, error) {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return cid.Undef, err
	}
	if maj != cbg.MajByteString {
		return cid.Undef, fmt.Errorf("link body of major type %d", maj)
	}
	b, err := readN(cr, n)
	if err != nil {
		return cid.Undef, err
	}
	if len(b) < 2 || b[0] != 0 {
		return cid.Undef, errors.New("link missing multibase identity prefix")
	}
	c, err := cid.Cast(b[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("link: %w", err)
	}
	return c, nil
}

func readN(r io.Reader, n uint64) ([]byte, error) {
	if n > cbg.ByteArrayMaxLen {
		return nil, fmt.Errorf("byte string of %d bytes too long", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadNullableCid reads either CBOR null or a tag-42 link.
func ReadNullableCid(cr *cbg.CborReader) (*cid.Cid, error) {
	b, err := cr.ReadByte()
	if err != nil {
		return nil, err
	}
	if b == cborNull {
		return nil, nil
	}
	if err := cr.UnreadByte(); err != nil {
		return nil, err
	}
	c, err := ReadCid(cr)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReadCid reads a tag-42 link.
func ReadCid(cr *cbg.CborReader) (cid.Cid, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return cid.Undef, err
	}
	if maj != cbg.MajTag || extra != linkTag {
		return cid.Undef, fmt.Errorf("expected link, got major type %d", maj)
	}
	return readLinkBody(cr)
}

// WriteNullableCid writes c as a link, or null when c is nil.
func WriteNullableCid(cw *cbg.CborWriter, c *cid.Cid) error {
	if c == nil {
		_, err := cw.Write(cbg.CborNull)
		return err
	}
	return cbg.WriteCid(cw, *c)
}

// WriteText writes a CBOR text string.
func WriteText(cw *cbg.CborWriter, s string) error {
	return writeText(cw, s)
}

// ReadText reads a CBOR text string.
func ReadText(cr *cbg.CborReader) (string, error) {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString {
		return "", fmt.Errorf("expected text, got major type %d", maj)
	}
	b, err := readN(cr, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a CBOR byte string.
func ReadBytes(cr *cbg.CborReader) ([]byte, error) {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if maj != cbg.MajByteString {
		return nil, fmt.Errorf("expected bytes, got major type %d", maj)
	}
	return readN(cr, n)
}

// ReadUint reads a CBOR unsigned integer.
func ReadUint(cr *cbg.CborReader) (uint64, error) {
	maj, n, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("expected unsigned integer, got major type %d", maj)
	}
	return n, nil
}
