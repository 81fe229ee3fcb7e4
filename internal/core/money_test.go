package core

import "testing"

func TestParsePesosToCentavos(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1250.50", 125050, false},
		{"1250,50", 125050, false},
		{"200", 20000, false},
		{"0.01", 1, false},
		{"12.345", 1234, false}, // rounds down
		{"12.346", 1235, false}, // rounds up
		{".5", 50, false},
		{"", 0, true},
		{"0", 0, true},
		{"0.00", 0, true},
		{"-5", 0, true},
		{"+5", 0, true},
		{"abc", 0, true},
		{"1.2.3", 0, true},
		{"12a.50", 0, true},
	}
	for _, c := range cases {
		got, err := ParsePesosToCentavos(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePesosToCentavos(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePesosToCentavos(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParsePesosToCentavos(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestMoneyString(t *testing.T) {
	if s := (Money{Centavos: 125050}).String(); s != "1250.50" {
		t.Errorf("String() = %q, want 1250.50", s)
	}
	if s := (Money{Centavos: -5}).String(); s != "-0.05" {
		t.Errorf("String() = %q, want -0.05", s)
	}
	if s := (Money{}).String(); s != "0.00" {
		t.Errorf("String() = %q, want 0.00", s)
	}
}
