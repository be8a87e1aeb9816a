package xsbus

import (
	"encoding/json"
	"time"
)

// Canonical header names. These strings are the wire contract; transports map
// them onto their own envelope but never rename them.
const (
	HeaderMessageID           = "message-id"
	HeaderCorrelationID       = "correlation-id"
	HeaderCorrelationSequence = "correlation-sequence"
	HeaderReturnAddress       = "return-address"
	HeaderSourceQueue         = "source-queue"
	HeaderIntent              = "intent"
	HeaderSentTime            = "sent-time"
	HeaderType                = "type"
	HeaderContentType         = "content-type"
	HeaderContentEncoding     = "content-encoding"
	HeaderDeferredUntil       = "deferred-until"
	HeaderDeferredRecipient   = "deferred-recipient"
	HeaderTimeToBeReceived    = "time-to-be-received"
	HeaderExpress             = "express"
	HeaderErrorDetails        = "error-details"
	HeaderPriority            = "priority"
)

// Values for the intent header.
const (
	IntentPointToPoint = "p2p"
	IntentPubSub       = "pub-sub"
)

// headerTimeLayout is the wire format for sent-time and deferred-until.
const headerTimeLayout = time.RFC3339Nano

// Headers is an insertion-ordered, case-sensitive string map. Setting an
// existing key replaces the value but keeps the original position.
type Headers struct {
	keys   []string
	values map[string]string
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

// HeadersFrom builds a header set from a plain map. Key order follows no
// particular sequence; use Set when insertion order matters.
func HeadersFrom(m map[string]string) *Headers {
	h := NewHeaders()
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// Set stores a header value.
func (h *Headers) Set(key, value string) {
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Get returns a header value and whether it is present.
func (h *Headers) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// GetOrDefault returns the value for key, or def when absent.
func (h *Headers) GetOrDefault(key, def string) string {
	if v, ok := h.values[key]; ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	_, ok := h.values[key]
	return ok
}

// Delete removes a header. Deleting an absent key is a no-op.
func (h *Headers) Delete(key string) {
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of headers.
func (h *Headers) Len() int { return len(h.keys) }

// Keys returns the header names in insertion order.
func (h *Headers) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Each visits headers in insertion order until fn returns false.
func (h *Headers) Each(fn func(key, value string) bool) {
	for _, k := range h.keys {
		if !fn(k, h.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy preserving insertion order.
func (h *Headers) Clone() *Headers {
	c := &Headers{
		keys:   make([]string, len(h.keys)),
		values: make(map[string]string, len(h.values)),
	}
	copy(c.keys, h.keys)
	for k, v := range h.values {
		c.values[k] = v
	}
	return c
}

// Map returns the headers as a plain map (insertion order lost).
func (h *Headers) Map() map[string]string {
	out := make(map[string]string, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// SetTime stores t under key in the wire time format (UTC).
func (h *Headers) SetTime(key string, t time.Time) {
	h.Set(key, t.UTC().Format(headerTimeLayout))
}

// GetTime parses the header value as a wire timestamp.
func (h *Headers) GetTime(key string) (time.Time, bool) {
	v, ok := h.values[key]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(headerTimeLayout, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// EncodeHeaders serializes headers as a JSON array of [key, value] pairs so
// that insertion order survives the wire. Transports and durable stores use
// this as their header block.
func EncodeHeaders(h *Headers) ([]byte, error) {
	pairs := make([][2]string, 0, h.Len())
	h.Each(func(k, v string) bool {
		pairs = append(pairs, [2]string{k, v})
		return true
	})
	return json.Marshal(pairs)
}

// DecodeHeaders is the inverse of EncodeHeaders.
func DecodeHeaders(data []byte) (*Headers, error) {
	var pairs [][2]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, err
	}
	h := NewHeaders()
	for _, p := range pairs {
		h.Set(p[0], p[1])
	}
	return h, nil
}

// SetDuration stores d under key in Go duration syntax.
func (h *Headers) SetDuration(key string, d time.Duration) {
	h.Set(key, d.String())
}

// GetDuration parses the header value as a duration.
func (h *Headers) GetDuration(key string) (time.Duration, bool) {
	v, ok := h.values[key]
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
