package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T) *Session {
	t.Helper()
	now := time.Unix(1700000000, 123)
	s := New("sid-1", now, 30*time.Minute)
	s.Set("user", raw(`{"name":"alice","roles":["admin"]}`))
	s.Set("count", raw("3"))
	s.Set("flag", raw("true"))
	s.MarkCommitted(4, true, now)
	s.MarkMetaCommitted(2, now)
	return s
}

func TestCodec_FullRoundTrip(t *testing.T) {
	c := NewCodec()
	s := testSession(t)

	b, err := c.EncodeFull(s)
	require.NoError(t, err)

	got, err := c.DecodeFull(b)
	require.NoError(t, err)
	assert.True(t, s.Equal(got))
	assert.Equal(t, StateSynced, got.State())
	assert.Equal(t, []string{"count", "flag", "user"}, got.AttributeNames())
}

func TestCodec_FullIndependentOfInsertionOrder(t *testing.T) {
	c := NewCodec()
	now := time.Unix(1700000000, 0)

	a := New("sid", now, time.Minute)
	a.Set("x", raw("1"))
	a.Set("y", raw("2"))
	a.Set("z", raw("3"))

	b := New("sid", now, time.Minute)
	b.Set("z", raw("3"))
	b.Set("x", raw("1"))
	b.Set("y", raw("2"))

	ea, err := c.EncodeFull(a)
	require.NoError(t, err)
	eb, err := c.EncodeFull(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)

	da, err := c.DecodeFull(ea)
	require.NoError(t, err)
	assert.True(t, b.Equal(da))
}

func TestCodec_DeltaRoundTrip(t *testing.T) {
	c := NewCodec()
	d := &Delta{BaseVersion: 7, Version: 8, Ops: []Op{
		{Kind: OpSet, Name: "a", Value: raw(`"x"`)},
		{Kind: OpRemove, Name: "b"},
	}}

	b, err := c.EncodeDelta(d)
	require.NoError(t, err)
	got, err := c.DecodeDelta(b)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestCodec_MetaRoundTrip(t *testing.T) {
	c := NewCodec()
	m := Metadata{LastAccessedAt: time.Unix(1700000100, 5), MaxInactiveInterval: time.Hour, Valid: true}

	b, err := c.EncodeMeta(m)
	require.NoError(t, err)
	got, err := c.DecodeMeta(b)
	require.NoError(t, err)
	assert.True(t, m.LastAccessedAt.Equal(got.LastAccessedAt))
	assert.Equal(t, m.MaxInactiveInterval, got.MaxInactiveInterval)
	assert.True(t, got.Valid)
}

func TestCodec_ApplyDelta(t *testing.T) {
	c := NewCodec()
	s := testSession(t)

	d := &Delta{BaseVersion: 4, Version: 5, Ops: []Op{
		{Kind: OpSet, Name: "count", Value: raw("4")},
		{Kind: OpRemove, Name: "flag"},
		{Kind: OpSet, Name: "new", Value: raw(`"v"`)},
	}}
	got, err := c.ApplyDelta(s, d)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), got.Version())
	assert.Equal(t, []string{"count", "new", "user"}, got.AttributeNames())
	v, _ := got.Attribute("count")
	assert.JSONEq(t, "4", string(v))

	// source untouched
	assert.Equal(t, uint64(4), s.Version())
	_, ok := s.Attribute("flag")
	assert.True(t, ok)
}

func TestCodec_ApplyDeltaBaseMismatch(t *testing.T) {
	c := NewCodec()
	s := testSession(t)
	_, err := c.ApplyDelta(s, &Delta{BaseVersion: 3, Version: 4})
	assert.ErrorIs(t, err, ErrBaseMismatch)
}

func TestCodec_DecodeMalformed(t *testing.T) {
	c := NewCodec()
	full, err := c.EncodeFull(testSession(t))
	require.NoError(t, err)
	delta, err := c.EncodeDelta(&Delta{BaseVersion: 0, Version: 1, Ops: []Op{{Kind: OpRemove, Name: "a"}}})
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(full, &env))
	env["crc"] = 1
	badCRC, _ := json.Marshal(env)

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"not json", []byte("garbage")},
		{"truncated", full[:len(full)/2]},
		{"trailing data", append(append([]byte{}, full...), []byte(` {}`)...)},
		{"unknown field", []byte(`{"format":"dsess/1","kind":"full","crc":0,"body":{},"extra":1}`)},
		{"wrong format", []byte(`{"format":"dsess/0","kind":"full","crc":0,"body":{}}`)},
		{"wrong kind", delta},
		{"checksum mismatch", badCRC},
		{"missing body", []byte(`{"format":"dsess/1","kind":"full","crc":0}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.DecodeFull(tt.input)
			assert.ErrorIs(t, err, ErrDecoding)
		})
	}
}

func TestCodec_DecodeDeltaRejectsInvalidOps(t *testing.T) {
	c := NewCodec()

	tests := []struct {
		name string
		body string
	}{
		{"version gap", `{"base_version":1,"version":3,"ops":[]}`},
		{"unknown op", `{"base_version":1,"version":2,"ops":[{"op":"merge","name":"a"}]}`},
		{"set without value", `{"base_version":1,"version":2,"ops":[{"op":"set","name":"a"}]}`},
		{"remove with value", `{"base_version":1,"version":2,"ops":[{"op":"remove","name":"a","value":1}]}`},
		{"no name", `{"base_version":1,"version":2,"ops":[{"op":"remove","name":""}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := seal(KindDelta, json.RawMessage(tt.body))
			require.NoError(t, err)
			_, err = c.DecodeDelta(b)
			assert.ErrorIs(t, err, ErrDecoding)
		})
	}
}

func TestCodec_DecodeFullRejectsDuplicateAttributes(t *testing.T) {
	body := `{"id":"s","created_at":0,"last_accessed_at":0,"max_inactive":0,"valid":true,"version":0,"meta_version":0,` +
		`"attributes":[{"name":"a","value":1},{"name":"a","value":2}]}`
	b, err := seal(KindFull, json.RawMessage(body))
	require.NoError(t, err)
	_, err = NewCodec().DecodeFull(b)
	assert.ErrorIs(t, err, ErrDecoding)
}

func TestValueEncoding(t *testing.T) {
	type cart struct {
		Items []string `json:"items"`
	}
	v, err := EncodeValue(cart{Items: []string{"a", "b"}})
	require.NoError(t, err)

	var out cart
	require.NoError(t, DecodeValue(v, &out))
	assert.Equal(t, []string{"a", "b"}, out.Items)

	var n int
	assert.ErrorIs(t, DecodeValue(raw(`"text"`), &n), ErrDecoding)

	_, err = EncodeValue(make(chan int))
	assert.Error(t, err)
}
