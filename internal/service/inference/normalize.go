package inference

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Artifact is one normalized prediction output: either a fetchable URL
// or a raw byte buffer, never both.
type Artifact struct {
	URL  string
	Data []byte
}

// Image magic prefixes used to recognize raw binary chunk streams.
// This heuristic is a documented quirk of one provider mode and lives
// only behind this normalization boundary.
var magicPrefixes = [][]byte{
	{0x89, 0x50, 0x4E, 0x47}, // PNG
	{0xFF, 0xD8, 0xFF},       // JPEG
}

// NormalizeOutput folds the provider's output shapes into artifacts:
//
//   - a single URL string
//   - an array of URL strings (multi-image stages)
//   - a data URL with inline base64 payload
//   - an ordered array of base64 binary chunks forming one image,
//     recognized by an image magic prefix on the first decoded chunk
//
// Anything else is rejected rather than guessed at.
func NormalizeOutput(raw json.RawMessage) ([]Artifact, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("prediction succeeded with empty output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		artifact, err := normalizeString(single)
		if err != nil {
			return nil, err
		}
		return []Artifact{artifact}, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("unexpected output shape: %s", compact(raw))
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("prediction succeeded with empty output list")
	}

	if data, ok := decodeChunkStream(list); ok {
		return []Artifact{{Data: data}}, nil
	}

	artifacts := make([]Artifact, 0, len(list))
	for _, s := range list {
		artifact, err := normalizeString(s)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}

	return artifacts, nil
}

func normalizeString(s string) (Artifact, error) {
	switch {
	case strings.HasPrefix(s, "data:"):
		_, payload, found := strings.Cut(s, ",")
		if !found {
			return Artifact{}, fmt.Errorf("malformed data url")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Artifact{}, fmt.Errorf("decode data url payload: %w", err)
		}
		return Artifact{Data: data}, nil

	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return Artifact{URL: s}, nil

	default:
		return Artifact{}, fmt.Errorf("output element is neither url nor data url")
	}
}

// decodeChunkStream reports whether the list is an ordered base64
// binary chunk stream and, if so, concatenates it into one payload.
// The verdict comes from the first chunk only: if it decodes and
// starts with an image magic prefix the whole list is chunks.
func decodeChunkStream(list []string) ([]byte, bool) {
	first, err := base64.StdEncoding.DecodeString(list[0])
	if err != nil || !hasMagicPrefix(first) {
		return nil, false
	}

	data := first
	for _, chunk := range list[1:] {
		b, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			return nil, false
		}
		data = append(data, b...)
	}

	return data, true
}

func hasMagicPrefix(b []byte) bool {
	for _, prefix := range magicPrefixes {
		if len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix) {
			return true
		}
	}
	return false
}

func compact(raw json.RawMessage) string {
	if len(raw) > 64 {
		return string(raw[:64]) + "..."
	}
	return string(raw)
}
