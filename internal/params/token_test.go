package params

import (
	"errors"
	"testing"
)

func TestParseBooleanToken(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{in: "$B{true}", want: true},
		{in: "$B{false}", want: false},
		{in: "$B{TRUE}", want: true},
		{in: "$B{False}", want: false},
		{in: "$B{yes}", wantErr: true},
		{in: "$B{}", wantErr: true},
		{in: "$N{true}", wantErr: true},
		{in: "true", wantErr: true},
		{in: "$B{true", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBooleanToken(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedToken) {
					t.Fatalf("ParseBooleanToken(%q) error = %v, want ErrMalformedToken", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBooleanToken(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseBooleanToken(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseNumberToken(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr error
	}{
		{in: "$N{3}", want: 3},
		{in: "$N{-2.5}", want: -2.5},
		{in: "$N{0}", want: 0},
		{in: "$N{ 7 }", want: 7},
		{in: "$N{}", wantErr: ErrEmptyExpression},
		{in: "$N{three}", wantErr: ErrNotANumber},
		{in: "$B{3}", wantErr: ErrMalformedToken},
		{in: "3", wantErr: ErrMalformedToken},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNumberToken(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseNumberToken(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNumberToken(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseNumberToken(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseNumber(t *testing.T) {
	if n, err := ParseNumber("  4.25 "); err != nil || n != 4.25 {
		t.Errorf("ParseNumber = %v, %v, want 4.25", n, err)
	}
	if _, err := ParseNumber(""); !errors.Is(err, ErrEmptyExpression) {
		t.Errorf("ParseNumber(empty) error = %v, want ErrEmptyExpression", err)
	}
	if _, err := ParseNumber("NaN-ish"); !errors.Is(err, ErrNotANumber) {
		t.Errorf("ParseNumber(NaN-ish) error = %v, want ErrNotANumber", err)
	}
}

func TestParseNumberRejectsNonFinite(t *testing.T) {
	for _, in := range []string{"NaN", "nan", "Inf", "+Inf", "-Inf", "Infinity"} {
		if n, err := ParseNumber(in); !errors.Is(err, ErrNotANumber) {
			t.Errorf("ParseNumber(%q) = %v, %v, want ErrNotANumber", in, n, err)
		}
	}
}
