package wire

import "testing"

func TestHeader_CaseInsensitiveLookup(t *testing.T) {
	h := Header{{"Content-Length", "12"}, {"X-Trace", "a"}, {"x-trace", "b"}}

	if got := h.Get("content-length"); got != "12" {
		t.Errorf("Get(content-length) = %q, want 12", got)
	}
	if got := h.Values("X-TRACE"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Values(X-TRACE) = %v, want [a b]", got)
	}
	if h.Has("missing") {
		t.Error("Expected Has(missing) to be false")
	}
}

func TestHeader_SetReplacesAll(t *testing.T) {
	h := Header{{"A", "1"}, {"Content-Type", "text/plain"}, {"content-type", "x"}, {"B", "2"}}
	h.Set("content-type", "application/json")

	want := Header{{"A", "1"}, {"content-type", "application/json"}, {"B", "2"}}
	if len(h) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(h), len(want), h)
	}
	for i := range want {
		if h[i] != want[i] {
			t.Errorf("h[%d] = %v, want %v", i, h[i], want[i])
		}
	}
}

func TestHeader_Del(t *testing.T) {
	h := Header{{"Content-Length", "3"}, {"X", "1"}, {"content-length", "4"}}
	h.Del("CONTENT-LENGTH")

	if len(h) != 1 || h[0][0] != "X" {
		t.Errorf("Del left %v, want [[X 1]]", h)
	}
}

func TestHeader_Clone(t *testing.T) {
	h := Header{{"A", "1"}}
	c := h.Clone()
	c[0][1] = "2"
	if h.Get("A") != "1" {
		t.Error("Expected clone to be independent of the original")
	}
	if Header(nil).Clone() != nil {
		t.Error("Expected nil clone of nil header")
	}
}
