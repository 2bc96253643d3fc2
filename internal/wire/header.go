package wire

import "strings"

// Header is an ordered list of (name, value) pairs.
// Names keep the spelling they were given; lookups are ASCII case-insensitive.
type Header [][2]string

// Get returns the first value stored under name, or "" if there is none.
func (h Header) Get(name string) string {
	for i := range h {
		if strings.EqualFold(h[i][0], name) {
			return h[i][1]
		}
	}
	return ""
}

// Lookup is like Get but also reports whether the header is present.
func (h Header) Lookup(name string) (string, bool) {
	for i := range h {
		if strings.EqualFold(h[i][0], name) {
			return h[i][1], true
		}
	}
	return "", false
}

// Values returns every value stored under name in arrival order.
func (h Header) Values(name string) []string {
	var out []string
	for i := range h {
		if strings.EqualFold(h[i][0], name) {
			out = append(out, h[i][1])
		}
	}
	return out
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	_, ok := h.Lookup(name)
	return ok
}

// Add appends a pair without touching existing values.
func (h *Header) Add(name, value string) {
	*h = append(*h, [2]string{name, value})
}

// Set replaces every value stored under name with a single pair.
// The replacement keeps the position of the first existing pair.
func (h *Header) Set(name, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i][0], name) {
			(*h)[i] = [2]string{name, value}
			h.delFrom(name, i+1)
			return
		}
	}
	h.Add(name, value)
}

// Del removes every pair stored under name.
func (h *Header) Del(name string) {
	h.delFrom(name, 0)
}

func (h *Header) delFrom(name string, start int) {
	src := *h
	out := src[:start]
	for i := start; i < len(src); i++ {
		if !strings.EqualFold(src[i][0], name) {
			out = append(out, src[i])
		}
	}
	*h = out
}

// Clone returns a copy that shares no backing array with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}
