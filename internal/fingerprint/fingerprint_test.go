package fingerprint

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims", "  hello  ", "hello"},
		{"collapses whitespace", "a \t\n  b", "a b"},
		{"composes accents", "cafe\u0301", "caf\u00e9"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(Normalize([]byte(tt.in))); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_BinaryUntouched(t *testing.T) {
	in := []byte{0xff, 0xfe, ' ', ' ', 0x00}
	if got := Normalize(in); string(got) != string(in) {
		t.Errorf("Normalize changed invalid UTF-8 input: %v", got)
	}
}

func TestOf_StableAcrossFormatting(t *testing.T) {
	a := Of([]byte("The quick  brown\nfox"))
	b := Of([]byte(" The quick brown fox "))
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(fingerprint) = %d, want 64", len(a))
	}
	if Of([]byte("other")) == a {
		t.Error("distinct content produced the same fingerprint")
	}
}
