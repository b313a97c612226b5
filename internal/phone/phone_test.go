package phone

import "testing"

func TestDeriveCountryCode(t *testing.T) {
	cases := []struct {
		number string
		want   string
	}{
		{"+33612345678", "+33"},
		{"+14155551234", "+1"},
		{"+212612345678", "+212"},
		{"+35812345678", "+358"},
		{"33612345678", ""}, // not E.164
		{"+", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := DeriveCountryCode(c.number); got != c.want {
			t.Errorf("DeriveCountryCode(%q) = %q, want %q", c.number, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		number  string
		trunkCC string
		want    string
	}{
		{"+33611111111", "+33", "+33611111111"}, // already E.164
		{"0033611111111", "+33", "+33611111111"},
		{"0611111111", "+33", "+33611111111"},
		{"0611111111", "", "0611111111"}, // no trunk code, pass through
		{"911", "+33", "911"},            // short/service numbers untouched
		{"", "+33", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.number, c.trunkCC); got != c.want {
			t.Errorf("Normalize(%q, %q) = %q, want %q", c.number, c.trunkCC, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"0611111111", "0033611111111", "+33611111111", "whatever"}
	for _, in := range inputs {
		once := Normalize(in, "+33")
		twice := Normalize(once, "+33")
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
