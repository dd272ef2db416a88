package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"slices"
	"time"
)

const (
	// FormatV1 tags every envelope written by JSONCodec
	FormatV1 = "dsess/1"

	KindFull  = "full"
	KindDelta = "delta"
	KindMeta  = "meta"
)

// Codec converts sessions, deltas and metadata to bytes and back. Decoders
// reject malformed, truncated or corrupted input with ErrDecoding.
type Codec interface {
	EncodeFull(s *Session) ([]byte, error)
	DecodeFull(b []byte) (*Session, error)
	EncodeDelta(d *Delta) ([]byte, error)
	DecodeDelta(b []byte) (*Delta, error)
	ApplyDelta(s *Session, d *Delta) (*Session, error)
	EncodeMeta(m Metadata) ([]byte, error)
	DecodeMeta(b []byte) (Metadata, error)
}

// JSONCodec is the default Codec. Output is deterministic: attributes are
// written sorted by name.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

// NewCodec returns the default codec
func NewCodec() Codec { return JSONCodec{} }

type envelope struct {
	Format string          `json:"format"`
	Kind   string          `json:"kind"`
	CRC    uint32          `json:"crc"`
	Body   json.RawMessage `json:"body"`
}

type attrRecord struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type fullRecord struct {
	ID             string       `json:"id"`
	CreatedAt      int64        `json:"created_at"`
	LastAccessedAt int64        `json:"last_accessed_at"`
	MaxInactive    int64        `json:"max_inactive"`
	Valid          bool         `json:"valid"`
	Version        uint64       `json:"version"`
	MetaVersion    uint64       `json:"meta_version"`
	Attributes     []attrRecord `json:"attributes"`
}

type opRecord struct {
	Op    string          `json:"op"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

type deltaRecord struct {
	BaseVersion uint64     `json:"base_version"`
	Version     uint64     `json:"version"`
	Ops         []opRecord `json:"ops"`
}

type metaRecord struct {
	LastAccessedAt int64 `json:"last_accessed_at"`
	MaxInactive    int64 `json:"max_inactive"`
	Valid          bool  `json:"valid"`
}

func (JSONCodec) EncodeFull(s *Session) ([]byte, error) {
	rec := fullRecord{
		ID:             s.id,
		CreatedAt:      s.createdAt.UnixNano(),
		LastAccessedAt: s.meta.LastAccessedAt.UnixNano(),
		MaxInactive:    int64(s.meta.MaxInactiveInterval),
		Valid:          s.meta.Valid,
		Version:        s.version,
		MetaVersion:    s.meta.Version,
		Attributes:     make([]attrRecord, 0, len(s.attrs)),
	}
	for _, name := range s.AttributeNames() {
		rec.Attributes = append(rec.Attributes, attrRecord{Name: name, Value: s.attrs[name]})
	}
	return seal(KindFull, rec)
}

func (JSONCodec) DecodeFull(b []byte) (*Session, error) {
	var rec fullRecord
	if err := open(b, KindFull, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, decodingError("full snapshot without id")
	}
	s := &Session{
		id:        rec.ID,
		createdAt: time.Unix(0, rec.CreatedAt),
		meta: Metadata{
			LastAccessedAt:      time.Unix(0, rec.LastAccessedAt),
			MaxInactiveInterval: time.Duration(rec.MaxInactive),
			Valid:               rec.Valid,
			Version:             rec.MetaVersion,
		},
		attrs:   make(map[string]json.RawMessage, len(rec.Attributes)),
		version: rec.Version,
		state:   StateSynced,
		tracker: NewTracker(),
	}
	for _, a := range rec.Attributes {
		if a.Name == "" {
			return nil, decodingError("attribute without name")
		}
		if len(a.Value) == 0 {
			return nil, decodingError("attribute %q without value", a.Name)
		}
		if _, dup := s.attrs[a.Name]; dup {
			return nil, decodingError("duplicate attribute %q", a.Name)
		}
		s.attrs[a.Name] = a.Value
	}
	return s, nil
}

func (JSONCodec) EncodeDelta(d *Delta) ([]byte, error) {
	rec := deltaRecord{
		BaseVersion: d.BaseVersion,
		Version:     d.Version,
		Ops:         make([]opRecord, 0, len(d.Ops)),
	}
	for _, op := range d.Ops {
		r := opRecord{Op: op.Kind.String(), Name: op.Name}
		if op.Kind == OpSet {
			r.Value = op.Value
		}
		rec.Ops = append(rec.Ops, r)
	}
	return seal(KindDelta, rec)
}

func (JSONCodec) DecodeDelta(b []byte) (*Delta, error) {
	var rec deltaRecord
	if err := open(b, KindDelta, &rec); err != nil {
		return nil, err
	}
	if rec.Version != rec.BaseVersion+1 {
		return nil, decodingError("delta version %d does not follow base %d", rec.Version, rec.BaseVersion)
	}
	d := &Delta{BaseVersion: rec.BaseVersion, Version: rec.Version, Ops: make([]Op, 0, len(rec.Ops))}
	for _, r := range rec.Ops {
		if r.Name == "" {
			return nil, decodingError("operation without name")
		}
		switch r.Op {
		case "set":
			if len(r.Value) == 0 {
				return nil, decodingError("set %q without value", r.Name)
			}
			d.Ops = append(d.Ops, Op{Kind: OpSet, Name: r.Name, Value: r.Value})
		case "remove":
			if len(r.Value) != 0 {
				return nil, decodingError("remove %q carries a value", r.Name)
			}
			d.Ops = append(d.Ops, Op{Kind: OpRemove, Name: r.Name})
		default:
			return nil, decodingError("unknown operation %q", r.Op)
		}
	}
	return d, nil
}

// ApplyDelta returns a copy of s with d applied at d.Version. s is left untouched.
func (JSONCodec) ApplyDelta(s *Session, d *Delta) (*Session, error) {
	if d.BaseVersion != s.version {
		return nil, fmt.Errorf("%w: base %d, session %d", ErrBaseMismatch, d.BaseVersion, s.version)
	}
	out := s.Clone()
	for _, op := range d.Ops {
		switch op.Kind {
		case OpSet:
			out.attrs[op.Name] = slices.Clone(op.Value)
		case OpRemove:
			delete(out.attrs, op.Name)
		}
	}
	out.version = d.Version
	out.deltasSinceFull++
	return out, nil
}

func (JSONCodec) EncodeMeta(m Metadata) ([]byte, error) {
	return seal(KindMeta, metaRecord{
		LastAccessedAt: m.LastAccessedAt.UnixNano(),
		MaxInactive:    int64(m.MaxInactiveInterval),
		Valid:          m.Valid,
	})
}

// DecodeMeta decodes metadata. The version is not part of the encoding; the
// store keeps it next to the bytes.
func (JSONCodec) DecodeMeta(b []byte) (Metadata, error) {
	var rec metaRecord
	if err := open(b, KindMeta, &rec); err != nil {
		return Metadata{}, err
	}
	return Metadata{
		LastAccessedAt:      time.Unix(0, rec.LastAccessedAt),
		MaxInactiveInterval: time.Duration(rec.MaxInactive),
		Valid:               rec.Valid,
	}, nil
}

// EncodeValue encodes an attribute value to its stored form
func EncodeValue(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attribute value: %w", err)
	}
	return b, nil
}

// DecodeValue decodes a stored attribute value into out
func DecodeValue(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return decodingError("attribute value: %v", err)
	}
	return nil
}

func seal(kind string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	b, err := json.Marshal(envelope{
		Format: FormatV1,
		Kind:   kind,
		CRC:    crc32.ChecksumIEEE(raw),
		Body:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", kind, err)
	}
	return b, nil
}

func open(b []byte, kind string, out any) error {
	if len(b) == 0 {
		return decodingError("empty input")
	}
	var env envelope
	if err := strictUnmarshal(b, &env); err != nil {
		return decodingError("envelope: %v", err)
	}
	if env.Format != FormatV1 {
		return decodingError("unsupported format %q", env.Format)
	}
	if env.Kind != kind {
		return decodingError("expected %s, got %q", kind, env.Kind)
	}
	if len(env.Body) == 0 || bytes.Equal(env.Body, []byte("null")) {
		return decodingError("%s without body", kind)
	}
	if sum := crc32.ChecksumIEEE(env.Body); sum != env.CRC {
		return decodingError("%s checksum mismatch", kind)
	}
	if err := strictUnmarshal(env.Body, out); err != nil {
		return decodingError("%s body: %v", kind, err)
	}
	return nil
}

func strictUnmarshal(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data")
	}
	return nil
}
