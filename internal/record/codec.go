package record

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Encode serialises v to the string stored under its key. Field order follows
// the struct definition, so equal values encode to equal strings.
func Encode[T any](v T) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(data), nil
}

// Decode parses a stored value. Missing or null fields decode to their zero
// value and unknown fields are ignored, so older records still load.
func Decode[T any](raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode record: %w", err)
	}
	return v, nil
}

// DecodeChangeRequest decodes a CR stored under cr:<id>. Records written
// before ids were persisted get theirs from the key.
func DecodeChangeRequest(id, raw string) (ChangeRequest, error) {
	cr, err := Decode[ChangeRequest](raw)
	if err != nil {
		return ChangeRequest{}, err
	}
	if cr.ID == "" {
		cr.ID = id
	}
	return cr, nil
}

// DecodeList parses an index value. Blank and null values are empty lists.
func DecodeList(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []string{}, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if items == nil {
		items = []string{}
	}
	return items, nil
}

func EncodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	return Encode(items)
}
