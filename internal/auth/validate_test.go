package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestValidators(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		valid bool
	}{
		{"username", validateUsername("john.doe_1"), true},
		{"username too short", validateUsername("abc"), false},
		{"username too long", validateUsername(strings.Repeat("a", 33)), false},
		{"username symbols", validateUsername("john-doe"), false},
		{"password", validatePassword("abcdefg1"), true},
		{"password no digit", validatePassword("abcdefgh"), false},
		{"password no letter", validatePassword("12345678"), false},
		{"password whitespace", validatePassword("abc defg1"), false},
		{"password too long", validatePassword(strings.Repeat("a1", 17)), false},
		{"email", validateEmail("a@example.com"), true},
		{"email with name", validateEmail("A <a@example.com>"), false},
		{"email missing at", validateEmail("example.com"), false},
		{"name", validateName("Zoë"), true},
		{"empty name", validateName(""), true},
		{"name digits", validateName("R2D2"), false},
		{"text id", validateTextID("billing.read:v2"), true},
		{"text id empty", validateTextID(""), false},
		{"text id space", validateTextID("a b"), false},
	}
	for _, tc := range tests {
		if (tc.err == nil) != tc.valid {
			t.Errorf("%s: valid=%v, err=%v", tc.name, tc.valid, tc.err)
		}
	}
}

func TestGeneratedPasswordSatisfiesPolicy(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		p, err := GeneratePassword()
		if err != nil {
			t.Fatal(err)
		}
		if err := validatePassword(p); err != nil {
			t.Fatalf("%q: %v", p, err)
		}
		var digits, upper int
		for _, r := range p {
			if r >= '0' && r <= '9' {
				digits++
			}
			if r >= 'A' && r <= 'Z' {
				upper++
			}
		}
		if len(p) != 12 || digits < 2 || upper < 2 {
			t.Fatalf("%q violates the generation policy", p)
		}
		seen[p] = true
	}
	if len(seen) < 200 {
		t.Fatalf("generated duplicates: %d distinct of 200", len(seen))
	}
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(6)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 || strings.Trim(code, digits) != "" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestValidationErrorUnwraps(t *testing.T) {
	v := validation{}
	v.check("b", errors.New("second"))
	v.check("a", errors.New("first"))
	v.check("a", errors.New("ignored"))
	err := v.err()
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got := err.Error(); got != "invalid input: a: first; b: second" {
		t.Fatalf("unexpected message %q", got)
	}
	if (validation{}).err() != nil {
		t.Fatal("empty validation must be nil")
	}
}
