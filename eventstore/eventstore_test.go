package eventstore

import "testing"

func TestEventID(t *testing.T) {
	cases := []struct {
		stream string
		index  int
	}{
		{"", 0},
		{"", 12},
		{"6f1c2a0e-6b0d-4f35-9b7e-0c1c7e4e7d11", 3},
	}
	for _, c := range cases {
		id := FormatEventID(c.stream, c.index)
		stream, index, ok := ParseEventID(id)
		if !ok || stream != c.stream || index != c.index {
			t.Fatalf("%q: got (%q, %d, %v)", id, stream, index, ok)
		}
	}

	for _, bad := range []string{"", "abc", "s_", "s_x", "s_-1"} {
		if _, _, ok := ParseEventID(bad); ok {
			t.Fatalf("%q: expected parse failure", bad)
		}
	}
}
