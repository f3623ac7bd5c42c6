// Package codec implements the collabdraw wire format.
//
// Every message is a JSON envelope {"event": ..., "data": {...}}. Outbound
// frames are additionally percent-escaped, zlib compressed and base64
// encoded before they reach the transport. Inbound frames are plain JSON
// unless the decoder is configured to also accept the outbound form.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Event names.
const (
	EventReady     = "ready"
	EventInit      = "init"
	EventDrawClick = "draw-click"
	EventClear     = "clear"
	EventGetImage  = "get-image"
	EventVideo     = "video"
	EventNewPage   = "new-page"
	EventImage     = "image"
	EventDraw      = "draw"
	EventDrawMany  = "draw-many"
)

// ErrNoEvent is returned by Decode when the envelope has an empty event name.
var ErrNoEvent = errors.New("codec: no event specified")

// Envelope is the {event, data} pair carried by every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Bind unmarshals the envelope data into v. Missing data binds as {}.
func (e Envelope) Bind(v any) error {
	data := e.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: bad %s payload: %w", e.Event, err)
	}
	return nil
}

// Marshal builds the plain JSON envelope for event. A nil data value is
// serialized as an empty object.
func Marshal(event string, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Encode converts a plain JSON envelope into its transport form:
// percent-escape, zlib (best compression), then standard base64.
func Encode(plain []byte) ([]byte, error) {
	escaped := url.PathEscape(string(plain))

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("codec: zlib writer: %w", err)
	}
	if _, err := io.WriteString(zw, escaped); err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}

// Unwrap reverses Encode, returning the plain JSON envelope.
func Unwrap(frame []byte) ([]byte, error) {
	compressed := make([]byte, base64.StdEncoding.DecodedLen(len(frame)))
	n, err := base64.StdEncoding.Decode(compressed, bytes.TrimSpace(frame))
	if err != nil {
		return nil, fmt.Errorf("codec: base64: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed[:n]))
	if err != nil {
		return nil, fmt.Errorf("codec: zlib: %w", err)
	}
	defer zr.Close()
	escaped, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	plain, err := url.PathUnescape(string(escaped))
	if err != nil {
		return nil, fmt.Errorf("codec: unescape: %w", err)
	}
	return []byte(plain), nil
}

// Decoder parses inbound frames.
type Decoder struct {
	// AcceptEncoded also accepts frames in the outbound transport form.
	// Plain JSON frames are always accepted.
	AcceptEncoded bool
}

// Decode parses one inbound frame into an Envelope. The event name is
// trimmed; an empty name yields ErrNoEvent alongside the parsed envelope.
func (d Decoder) Decode(frame []byte) (Envelope, error) {
	body := bytes.TrimSpace(frame)
	if d.AcceptEncoded && len(body) > 0 && body[0] != '{' {
		plain, err := Unwrap(body)
		if err != nil {
			return Envelope{}, err
		}
		body = plain
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("codec: bad envelope: %w", err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return env, ErrNoEvent
	}
	return env, nil
}
