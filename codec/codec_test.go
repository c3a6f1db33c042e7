package codec

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestEncodeKnownBytes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		v    Value
		hex  string
	}{
		{"null", Null(), "f6"},
		{"true", Bool(true), "f5"},
		{"small int", Int(1), "01"},
		{"int 24", Int(24), "1818"},
		{"negative", Int(-500), "3901f3"},
		{"float", Float(1.5), "fb3ff8000000000000"},
		{"string", String("a"), "6161"},
		{"bytes", Bytes([]byte{1, 2}), "420102"},
		{"list", List(Int(1), String("x")), "82016178"},
		{"map key order", Map(map[string]Value{
			"bb": Int(2),
			"a":  Int(1),
			"c":  Int(3),
		}), "a3616101616303626262" + "02"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got, err := Encode(c.v)
			require.NoError(t, err)
			assert.Equal(t, c.hex, hex.EncodeToString(got))
			back, err := Decode(got)
			require.NoError(t, err)
			assert.True(t, c.v.Equal(back), "round trip of %s", c.name)
		})
	}
}

func TestLinkEncoding(t *testing.T) {
	t.Parallel()
	c, err := ParseCid("bafyreie5cvv4h45feadgeuwhbcutmh6t2ceseocckahdoe6uat64zmz454")
	require.NoError(t, err)
	encoded, err := Encode(Link(c))
	require.NoError(t, err)
	assert.Equal(t, "d82a582500", hex.EncodeToString(encoded[:5]))
	back, err := Decode(encoded)
	require.NoError(t, err)
	got, ok := back.AsLink()
	require.True(t, ok)
	assert.True(t, got.Equals(c))
}

func TestDecodeRejectsNonCanonical(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"keys out of order":    "a2616201616102",
		"duplicate keys":       "a2616101616102",
		"non-minimal int":      "1801",
		"indefinite list":      "9f01ff",
		"half float":           "f93c00",
		"single float":         "fa3fc00000",
		"unknown tag":          "d82b01",
		"trailing bytes":       "0101",
		"integer map key":      "a10101",
		"undefined":            "f7",
		"truncated":            "6261",
		"link without prefix":  "d82a4101",
		"non-finite float":     "fb7ff0000000000000",
		"invalid utf-8 string": "61ff",
	}
	for name, h := range cases {
		_, err := Decode(mustHex(t, h))
		assert.ErrorIs(t, err, ErrDecode, name)
	}
}

func TestEncodeRejectsNonFinite(t *testing.T) {
	t.Parallel()
	_, err := Encode(Float(math.Inf(1)))
	assert.Error(t, err)
	_, err = Encode(List(Float(math.NaN())))
	assert.Error(t, err)
}

func TestVerifyBlock(t *testing.T) {
	t.Parallel()
	b := NewBlock(mustHex(t, "a1616101"))
	require.NoError(t, VerifyBlock(b))

	tampered := Block{Cid: b.Cid, Data: mustHex(t, "a1616102")}
	assert.ErrorIs(t, VerifyBlock(tampered), ErrCidMismatch)

	raw := NewRawBlock([]byte("opaque"))
	require.NoError(t, VerifyBlock(raw))
	assert.Equal(t, uint64(Raw), raw.Cid.Prefix().Codec)
}

func TestBlake2bCidsAccepted(t *testing.T) {
	t.Parallel()
	data := mustHex(t, "a1616101")
	c, err := cidFor(DagCBOR, blake2b256, data)
	require.NoError(t, err)
	require.NoError(t, CheckCid(c))
	require.NoError(t, VerifyBlock(Block{Cid: c, Data: data}))
	assert.False(t, c.Equals(CidForBytes(data)))
}

func TestCheckCidRejectsUnsupported(t *testing.T) {
	t.Parallel()
	// CIDv0 (dag-pb, sha2-256)
	_, err := ParseCid("QmdfTbBqBPQ7VNxZEYEj14VmRuZBkqFbiwReogJgS1zR1n")
	assert.ErrorIs(t, err, ErrUnsupportedCid)
	_, err = ParseCid("not a cid")
	assert.ErrorIs(t, err, ErrUnsupportedCid)
}

func TestFromGo(t *testing.T) {
	t.Parallel()
	v, err := FromGo(map[string]interface{}{
		"$type": "app.example.post",
		"text":  "hello",
		"tags":  []interface{}{"a", "b"},
		"n":     3,
		"ok":    true,
		"none":  nil,
	})
	require.NoError(t, err)
	text, ok := v.Get("text")
	require.True(t, ok)
	s, _ := text.AsString()
	assert.Equal(t, "hello", s)
	assert.Equal(t, []string{"n", "ok", "none", "tags", "text", "$type"}, v.Keys())

	_, err = FromGo(struct{}{})
	assert.Error(t, err)
}

func TestEncodingIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	properties.Property("re-encoding a decoded map yields identical bytes", prop.ForAll(
		func(m map[string]int64, s []string) bool {
			fields := make(map[string]Value, len(m)+1)
			for k, n := range m {
				fields[k] = Int(n)
			}
			items := make([]Value, len(s))
			for i := range s {
				items[i] = String(s[i])
			}
			fields["list"] = List(items...)
			first, err := Encode(Map(fields))
			if err != nil {
				return false
			}
			copied := make(map[string]Value, len(fields))
			for k, v := range fields {
				copied[k] = v
			}
			second, err := Encode(Map(copied))
			if err != nil {
				return false
			}
			decoded, err := Decode(first)
			if err != nil {
				return false
			}
			third, err := Encode(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second) && string(first) == string(third) &&
				CidForBytes(first).Equals(CidForBytes(third))
		},
		gen.MapOf(gen.AlphaString(), gen.Int64()),
		gen.SliceOf(gen.AnyString()),
	))
	properties.TestingRun(t)
}
