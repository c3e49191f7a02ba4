package session

import (
	"strings"
	"testing"
)

func TestGenerateAccessCodeLengthAndAlphabet(t *testing.T) {
	const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

	code := GenerateAccessCode()
	if len(code) != 32 {
		t.Fatalf("expected 32 characters, got %d", len(code))
	}
	for _, c := range code {
		if !strings.ContainsRune(alphabet, c) {
			t.Fatalf("unexpected character %q in access code %s", c, code)
		}
	}
}

func TestGenerateAccessCodeIsUnpredictable(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code := GenerateAccessCode()
		if seen[code] {
			t.Fatalf("duplicate access code after %d generations: %s", i, code)
		}
		seen[code] = true
	}
}
