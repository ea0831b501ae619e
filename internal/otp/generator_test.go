package otp

import (
	"errors"
	"strconv"
	"testing"
)

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("entropy unavailable")
}

func TestGenerateRange(t *testing.T) {
	tests := []struct {
		digits int
		min    int
		max    int
	}{
		{digits: 4, min: 1000, max: 9999},
		{digits: 5, min: 10000, max: 99999},
		{digits: 6, min: 100000, max: 999999},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.digits), func(t *testing.T) {
			g := NewGenerator(tt.digits)
			for i := 0; i < 500; i++ {
				code, err := g.Generate()
				if err != nil {
					t.Fatalf("Generate() error = %v", err)
				}
				if code < tt.min || code > tt.max {
					t.Fatalf("Generate() = %d, want within [%d, %d]", code, tt.min, tt.max)
				}
				if len(strconv.Itoa(code)) != tt.digits {
					t.Fatalf("Generate() = %d, want %d digits", code, tt.digits)
				}
			}
		})
	}
}

func TestGenerateMinimumWidth(t *testing.T) {
	g := NewGenerator(2)
	if g.Digits() != 4 {
		t.Fatalf("Digits() = %d, want 4 as the enforced minimum", g.Digits())
	}
}

func TestGenerateExhaustedSource(t *testing.T) {
	g := NewGeneratorWithSource(5, failingReader{})

	code, err := g.Generate()
	if err == nil {
		t.Fatal("Generate() with failing source returned nil error")
	}
	if !errors.Is(err, ErrRandomSourceExhausted) {
		t.Fatalf("Generate() error = %v, want ErrRandomSourceExhausted", err)
	}
	if code != 0 {
		t.Fatalf("Generate() = %d, want 0 on failure", code)
	}
}
