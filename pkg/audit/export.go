package audit

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
)

// ExportNDJSON encodes events as newline-delimited JSON
func ExportNDJSON(events []*AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportArchive encodes events as gzip-compressed NDJSON
func exportArchive(events []*AuditEvent) ([]byte, error) {
	raw, err := ExportNDJSON(events)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress archive: %w", err)
	}
	return buf.Bytes(), nil
}
