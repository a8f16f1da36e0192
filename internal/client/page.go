package client

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Page is one page of raw provider records
type Page struct {
	Records []json.RawMessage
	// NextCursor is the opaque cursor for the following page, "" on the
	// last page
	NextCursor string
}

var (
	recordKeys = []string{"results", "data", "items"}
	cursorKeys = []string{"next_cursor", "nextCursor", "next"}
)

// parsePage accepts a bare JSON array, an envelope object holding the
// records under one of recordKeys, or a single record object
func parsePage(body []byte) (*Page, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return &Page{}, nil
	}

	switch body[0] {
	case '[':
		var records []json.RawMessage
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("decode page array: %w", err)
		}
		return &Page{Records: records}, nil
	case '{':
	default:
		return nil, fmt.Errorf("unexpected page payload starting with %q", body[0])
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode page object: %w", err)
	}

	for _, key := range recordKeys {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		page := &Page{}
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &page.Records); err != nil {
				return nil, fmt.Errorf("decode page %q: %w", key, err)
			}
		}
		page.NextCursor = cursorFrom(envelope)
		return page, nil
	}

	return &Page{Records: []json.RawMessage{json.RawMessage(body)}}, nil
}

// cursorFrom returns the cursor as literal text. Strings are unquoted,
// numbers are kept as written, null means no further page.
func cursorFrom(envelope map[string]json.RawMessage) string {
	for _, key := range cursorKeys {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return ""
		}
		var s string
		if raw[0] == '"' {
			if err := json.Unmarshal(raw, &s); err == nil {
				return s
			}
		}
		return string(raw)
	}
	return ""
}
