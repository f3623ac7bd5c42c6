package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// PageNumber accepts either a JSON number or a numeric string. The zero
// value means the field was absent.
type PageNumber int

// UnmarshalJSON implements json.Unmarshaler.
func (p *PageNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*p = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("page %q is not a number", s)
		}
		*p = PageNumber(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("page must be an integer: %w", err)
	}
	*p = PageNumber(n)
	return nil
}

// InitData is the payload of an inbound init event.
type InitData struct {
	Room string     `json:"room"`
	Page PageNumber `json:"page"`
}

// DrawClickData is the payload of an inbound draw-click event.
// Segments are kept opaque.
type DrawClickData struct {
	SinglePath []json.RawMessage `json:"singlePath"`
}

// GetImageData is the payload of an inbound get-image event.
type GetImageData struct {
	Room string     `json:"room"`
	Page PageNumber `json:"page"`
}

// ImageData is the payload of an outbound image event.
type ImageData struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// DrawData is the payload of an outbound draw event.
type DrawData struct {
	SinglePath []json.RawMessage `json:"singlePath"`
}

// DrawManyData is the payload of an outbound draw-many event.
type DrawManyData struct {
	Datas  []json.RawMessage `json:"datas"`
	NPages int               `json:"npages"`
}
