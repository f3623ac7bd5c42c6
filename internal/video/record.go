package video

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type segmentKind int

const (
	kindOther segmentKind = iota
	kindStart
	kindMove
)

// segment is the part of a stroke record the renderer understands. Records
// carry other client fields which are ignored.
type segment struct {
	Kind      segmentKind
	LineWidth float64
	LineColor string
	OldX      float64
	OldY      float64
	X         float64
	Y         float64
}

type rawSegment struct {
	Type      string          `json:"type"`
	LineWidth json.RawMessage `json:"lineWidth"`
	LineColor string          `json:"lineColor"`
	OldX      float64         `json:"oldx"`
	OldY      float64         `json:"oldy"`
	X         float64         `json:"x"`
	Y         float64         `json:"y"`
}

func parseSegment(raw json.RawMessage) (segment, error) {
	var r rawSegment
	if err := json.Unmarshal(raw, &r); err != nil {
		return segment{}, fmt.Errorf("video: bad stroke record: %w", err)
	}
	width, err := parseLineWidth(r.LineWidth)
	if err != nil {
		return segment{}, err
	}

	s := segment{
		LineWidth: width,
		LineColor: r.LineColor,
		OldX:      r.OldX,
		OldY:      r.OldY,
		X:         r.X,
		Y:         r.Y,
	}
	switch r.Type {
	case "dragstart", "touchstart":
		s.Kind = kindStart
	case "drag", "touchmove":
		s.Kind = kindMove
	}
	return s, nil
}

// parseLineWidth accepts "3px", "3" or 3. A missing width is 1.
func parseLineWidth(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 1, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("video: bad lineWidth: %w", err)
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "px"))
		w, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("video: bad lineWidth %q", s)
		}
		return w, nil
	}
	var w float64
	if err := json.Unmarshal(raw, &w); err != nil {
		return 0, fmt.Errorf("video: bad lineWidth: %w", err)
	}
	return w, nil
}
