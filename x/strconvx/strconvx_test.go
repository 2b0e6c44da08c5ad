package strconvx

import "testing"

func TestItoa(t *testing.T) {
	cases := map[int]string{
		0:      "0",
		1:      "1",
		-1:     "-1",
		42:     "42",
		-99999: "-99999",
	}
	for v, want := range cases {
		if got := Itoa(v); got != want {
			t.Fatalf("Itoa(%d) = %q, want %q", v, got, want)
		}
	}
}

func TestParseUintAutoBase(t *testing.T) {
	type C struct {
		s    string
		want uint64
	}
	for _, c := range []C{
		{"0", 0},
		{"255", 255},
		{"0xff", 255},
		{"0XFF", 255},
		{"0b101", 5},
		{"0o77", 63},
	} {
		got, err := ParseUint(c.s, 0, 64)
		if err != nil {
			t.Fatalf("ParseUint(%q, 0): %v", c.s, err)
		}
		if got != c.want {
			t.Fatalf("ParseUint(%q, 0) = %d, want %d", c.s, got, c.want)
		}
	}
}

func TestParseUintExplicitBaseAndBitSize(t *testing.T) {
	if got, err := ParseUint("FF", 16, 8); err != nil || got != 255 {
		t.Fatalf("ParseUint(FF, 16, 8) = %d, %v", got, err)
	}
	if _, err := ParseUint("256", 10, 8); err == nil {
		t.Fatal("ParseUint(256, 10, 8) expected overflow error")
	}
}

func TestParseUintErrors(t *testing.T) {
	for _, s := range []string{"", "g", "-1", "12.5", "0b102"} {
		if _, err := ParseUint(s, 0, 64); err == nil {
			t.Fatalf("ParseUint(%q) expected error", s)
		}
	}
}
