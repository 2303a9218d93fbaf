package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Targets is the list of platforms a post goes to. Callers may hand it over
// either as a list or as the JSON encoding of that list; both forms are the
// same value once normalized.
type Targets struct {
	ids     []string
	encoded string
	isText  bool
}

func TargetList(ids ...string) Targets {
	return Targets{ids: ids}
}

func EncodedTargets(encoded string) Targets {
	return Targets{encoded: encoded, isText: true}
}

func (t Targets) IsEncoded() bool {
	return t.isText
}

// Normalize decodes the string form if needed and returns the ordered,
// de-duplicated identifiers.
func (t Targets) Normalize() ([]string, error) {
	ids := t.ids
	if t.isText {
		decoded, err := decodeTargets(t.encoded)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		ids = decoded
	}

	seen := make(map[string]struct{}, len(ids))
	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}

	if len(normalized) == 0 {
		return nil, &ValidationError{Field: "platforms", Message: "at least one platform is required"}
	}
	return normalized, nil
}

func decodeTargets(encoded string) ([]string, error) {
	var decoded interface{}
	if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
		return nil, err
	}
	items, ok := decoded.([]interface{})
	if !ok {
		return nil, errors.New("platforms is not an array")
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("platform %v is not a string", item)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t Targets) MarshalJSON() ([]byte, error) {
	if t.isText {
		return json.Marshal(t.encoded)
	}
	if t.ids == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.ids)
}

// UnmarshalJSON accepts an array of identifiers or a string. A string is kept
// as-is and only decoded by Normalize.
func (t *Targets) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Targets{}
		return nil
	}
	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return &ParseError{Err: err}
		}
		*t = EncodedTargets(encoded)
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return &ParseError{Err: err}
	}
	*t = TargetList(ids...)
	return nil
}
