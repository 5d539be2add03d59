package money

import "testing"

func TestParseDecimalString(t *testing.T) {
	cases := []struct {
		in      string
		want    Micros
		wantErr bool
	}{
		{"0.5000", 500000, false},
		{"0.0100", 10000, false},
		{"10", 10_000_000, false},
		{"0", 0, false},
		{"0.12345", 0, true},
		{"", 0, true},
		{"NaN", 0, true},
		{"1e10", 0, true},
		{"-1.0000", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDecimalString(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDecimalString(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDecimalString(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDecimalString(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestMicrosString(t *testing.T) {
	cases := []struct {
		in   Micros
		want string
	}{
		{500000, "0.5000"},
		{10000, "0.0100"},
		{10_000_000, "10.0000"},
		{0, "0.0000"},
		{1234567, "1.2346"},
	}
	for _, tc := range cases {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("Micros(%d).String() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMinimumFee(t *testing.T) {
	// 0.02 * reserved, clamped to [5000, 100000].
	if got := MinimumFee(500000, 0.02, 5000, 100000); got != 10000 {
		t.Errorf("MinimumFee(500000) = %d, want 10000", got)
	}
	if got := MinimumFee(1000, 0.02, 5000, 100000); got != 5000 {
		t.Errorf("MinimumFee(1000) = %d, want floor 5000", got)
	}
	if got := MinimumFee(100_000_000, 0.02, 5000, 100000); got != 100000 {
		t.Errorf("MinimumFee(100_000_000) = %d, want ceiling 100000", got)
	}
}
