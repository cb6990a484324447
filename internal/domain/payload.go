package domain

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindText     Kind = "text"
	KindDocument Kind = "document"
)

// Payload is the tagged union of submittable work.
type Payload interface {
	Kind() Kind
	// Size is the byte size used for admission banding.
	Size() int
	// Content is the input the fingerprint is computed over.
	Content() []byte
	Validate() error
}

type TextJob struct {
	Text string `json:"text"`
}

func (TextJob) Kind() Kind { return KindText }

func (t TextJob) Size() int { return len(t.Text) }

func (t TextJob) Content() []byte { return []byte(t.Text) }

func (t TextJob) Validate() error {
	if len(t.Text) == 0 {
		return Validation("text must not be empty")
	}
	if !utf8.ValidString(t.Text) {
		return Validation("text must be valid UTF-8")
	}
	// stored payloads and results are jsonb, which has no NUL character
	if strings.IndexByte(t.Text, 0) >= 0 {
		return Validation("text must not contain NUL characters")
	}
	return nil
}

type DocumentJob struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func (DocumentJob) Kind() Kind { return KindDocument }

func (d DocumentJob) Size() int { return len(d.Data) }

// Content prefixes the MIME type so identical bytes of different
// formats do not share a fingerprint.
func (d DocumentJob) Content() []byte {
	out := make([]byte, 0, len(d.MimeType)+1+len(d.Data))
	out = append(out, d.MimeType...)
	out = append(out, 0)
	return append(out, d.Data...)
}

func (d DocumentJob) Validate() error {
	if len(d.Data) == 0 {
		return Validation("document must not be empty")
	}
	if d.MimeType == "" {
		return Validation("document mime type is required")
	}
	if strings.IndexByte(d.Filename, 0) >= 0 || strings.IndexByte(d.MimeType, 0) >= 0 {
		return Validation("document name and mime type must not contain NUL characters")
	}
	return nil
}

// EncodePayload serializes p for the queue and the job store.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", p.Kind())
	}
	return b, nil
}

// DecodePayload reverses EncodePayload for the given kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindText:
		var t TextJob
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, errors.Wrap(err, "decode text payload")
		}
		return t, nil
	case KindDocument:
		var d DocumentJob
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, errors.Wrap(err, "decode document payload")
		}
		return d, nil
	}
	return nil, errors.Errorf("unknown payload kind %q", kind)
}
