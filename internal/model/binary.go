package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash"
)

// Binary is attachment data as it is persisted in a job. It is written as a
// base64 string and read back from that form, from a tagged
// {"type":"Buffer","data":[...]} object, or from a plain array of byte
// values. Reading canonical output again yields the same bytes.
type Binary []byte

func (b Binary) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal([]byte(b))
}

func (b *Binary) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	switch data[0] {
	case '"':
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding base64 binary: %w", err)
		}
		*b = raw
		return nil
	case '[':
		raw, err := byteValues(data)
		if err != nil {
			return err
		}
		*b = raw
		return nil
	case '{':
		var tagged struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &tagged); err != nil {
			return fmt.Errorf("decoding tagged binary: %w", err)
		}
		if tagged.Type != "Buffer" {
			return fmt.Errorf("unsupported binary type: %q", tagged.Type)
		}
		raw, err := byteValues(tagged.Data)
		if err != nil {
			return err
		}
		*b = raw
		return nil
	}
	return fmt.Errorf("unsupported binary encoding: %.16s", data)
}

func byteValues(data []byte) ([]byte, error) {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decoding byte values: %w", err)
	}
	raw := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte value out of range at %d: %d", i, v)
		}
		raw[i] = byte(v)
	}
	return raw, nil
}

// Attachment is an uploaded image or video.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        Binary `json:"data"`
	Checksum    uint64 `json:"checksum,omitempty"`
}

func NewAttachment(filename, contentType string, data []byte) *Attachment {
	return &Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
		Checksum:    xxhash.Sum64(data),
	}
}

func (a *Attachment) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// Seal records the checksum if it has not been set yet.
func (a *Attachment) Seal() {
	if a != nil && a.Checksum == 0 {
		a.Checksum = xxhash.Sum64(a.Data)
	}
}

// Verify checks the data against the recorded checksum. Attachments persisted
// without a checksum are accepted as-is.
func (a *Attachment) Verify() error {
	if a == nil || a.Checksum == 0 {
		return nil
	}
	if sum := xxhash.Sum64(a.Data); sum != a.Checksum {
		return fmt.Errorf("%s: %w", a.Filename, ErrorAttachmentCorrupt)
	}
	return nil
}
