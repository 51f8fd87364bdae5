package verify

import "testing"

func TestGenerateToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		tok, err := GenerateToken()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(tok) != tokenLen {
			t.Fatalf("length %d", len(tok))
		}
		for _, c := range tok {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
				t.Fatalf("non-letter %q in token %q", c, tok)
			}
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}
