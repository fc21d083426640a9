package assets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// EncodeManifest serializes a manifest to an lz4-compressed JSON blob for
// storage on the travel row while it is in escrow.
func EncodeManifest(m Manifest) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress manifest: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeManifest(blob []byte) (Manifest, error) {
	var m Manifest
	if len(blob) == 0 {
		return m, nil
	}
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return m, fmt.Errorf("decompress manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}
