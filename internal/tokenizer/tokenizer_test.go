package tokenizer

import (
	"strings"
	"testing"
)

func kinds(t *testing.T, src string) []Kind {
	t.Helper()
	toks, err := Tokenize([]byte(src))
	if err != nil {
		// Unterminated literals still return the tokens scanned so far
		// plus the Illegal tail; tests that expect errors check Feed
		// behavior instead.
		return nil
	}
	var out []Kind
	for _, tok := range toks {
		if tok.Kind == Whitespace || tok.Kind == LineComment || tok.Kind == BlockComment {
			continue
		}
		out = append(out, tok.Kind)
	}
	return out
}

func TestTokenKinds(t *testing.T) {
	cases := []struct {
		src  string
		want []Kind
	}{
		{"SELECT 1", []Kind{Keyword, Integer}},
		{"select x from t", []Kind{Keyword, Ident, Keyword, Ident}},
		{"1.5e3 .", []Kind{Real, Operator}},
		{"'it''s'", []Kind{StringLiteral}},
		{"\"d\" `b`", []Kind{StringLiteral, StringLiteral}},
		{"[weird name]", []Kind{BracketIdent}},
		{"x'deadbeef'", []Kind{BlobLiteral}},
		{"xylophone", []Kind{Ident}},
		{"?17 ? :name @a $b", []Kind{NumericParam, NumericParam, NamedParam, NamedParam, NamedParam}},
		{"a<=b<>c<<d>>e||f==g!=h>=i", []Kind{Ident, Operator, Ident, Operator, Ident, Operator, Ident, Operator, Ident, Operator, Ident, Operator, Ident, Operator, Ident, Operator, Ident}},
		{"-- comment only", nil},
		{"/* block */ id", []Kind{Ident}},
		{"héllo", []Kind{Ident}}, // high-bit bytes pass through identifiers
	}
	for _, tc := range cases {
		got := kinds(t, tc.src)
		if len(got) != len(tc.want) {
			t.Errorf("%q: kinds = %v, want %v", tc.src, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%q: kind[%d] = %v, want %v", tc.src, i, got[i], tc.want[i])
			}
		}
	}
}

func TestBangAloneIsIllegal(t *testing.T) {
	toks, err := Tokenize([]byte("a ! b"))
	if err == nil {
		t.Fatalf("lone '!' scanned without error: %v", toks)
	}
}

func TestScanIsRestartable(t *testing.T) {
	src := []byte("SELECT name FROM people")
	full, err := Tokenize(src)
	if err != nil {
		t.Fatal(err)
	}
	// Restart at every token boundary; the suffix stream must agree.
	for i, tok := range full {
		rest, err := Tokenize(src[tok.Start:])
		if err != nil {
			t.Fatal(err)
		}
		if len(rest) != len(full)-i {
			t.Fatalf("restart at %d: %d tokens, want %d", tok.Start, len(rest), len(full)-i)
		}
		for j, r := range rest {
			if r.Kind != full[i+j].Kind || r.Len != full[i+j].Len {
				t.Fatalf("restart at %d: token %d = %v, want %v", tok.Start, j, r, full[i+j])
			}
		}
	}
}

// TestRenderedTokensRetokenize checks the round-trip law: re-tokenizing
// the concatenation of rendered tokens (with separating spaces) yields
// the same kind sequence.
func TestRenderedTokensRetokenize(t *testing.T) {
	src := []byte("SELECT a, 'str''x', 1.5, ?2 FROM [t] WHERE a >= :p")
	toks, err := Tokenize(src)
	if err != nil {
		t.Fatal(err)
	}
	var parts []string
	var want []Kind
	for _, tok := range toks {
		if tok.Kind == Whitespace {
			continue
		}
		parts = append(parts, tok.Text(src))
		want = append(want, tok.Kind)
	}
	got := kinds(t, strings.Join(parts, " "))
	if len(got) != len(want) {
		t.Fatalf("round trip kinds = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("round trip kind[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestIsCompleteScenarios(t *testing.T) {
	cases := []struct {
		src  string
		want bool
	}{
		{"SELECT 1;", true},
		{"SELECT 1", false},
		{"SELECT 'unterminated", false},
		{"CREATE TRIGGER t BEFORE INSERT ON x BEGIN INSERT INTO y VALUES(1);", false},
		{"CREATE TRIGGER t BEFORE INSERT ON x BEGIN INSERT INTO y VALUES(1); END;", true},
		{"CREATE TABLE t (a TEXT);", true},
		{"EXPLAIN SELECT 1;", true},
		{"EXPLAIN SELECT 1", false},
		{"-- just a comment\n", true},
		{"INSERT INTO t VALUES (';');", true},
		{"", true},
	}
	for _, tc := range cases {
		if got := IsComplete([]byte(tc.src)); got != tc.want {
			t.Errorf("IsComplete(%q) = %v, want %v", tc.src, got, tc.want)
		}
	}
}

// TestCompleteByteAtATime feeds the trigger scenario incrementally; the
// detector must flip to complete only on the final semicolon.
func TestCompleteByteAtATime(t *testing.T) {
	src := "CREATE TRIGGER t BEFORE INSERT ON x BEGIN INSERT INTO y VALUES(1); END;"
	for i := 1; i < len(src); i++ {
		if IsComplete([]byte(src[:i])) {
			t.Fatalf("prefix %q reported complete", src[:i])
		}
	}
	if !IsComplete([]byte(src)) {
		t.Fatal("full trigger statement not complete")
	}
}
