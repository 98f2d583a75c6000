package tokenizer

import "strings"

// keywords is the fixed, case-insensitive keyword table. Lookup is a
// single map access against a table built once at init.
var keywords = buildKeywordSet([]string{
	"CREATE", "TABLE", "INDEX", "SELECT", "FROM", "WHERE", "INSERT", "INTO",
	"VALUES", "UPDATE", "SET", "DELETE", "BEGIN", "COMMIT", "ROLLBACK",
	"TRIGGER", "END", "EXPLAIN", "GLOB", "LIKE", "IN", "IS", "NULL", "NOT",
	"AND", "OR", "CASE", "WHEN", "THEN", "ELSE", "AS", "ASC", "DESC",
	"ORDER", "BY", "GROUP", "HAVING", "LIMIT", "OFFSET", "JOIN", "ON",
	"USING", "PRIMARY", "KEY", "UNIQUE", "DEFAULT", "COLLATE", "INTEGER",
	"REAL", "TEXT", "BLOB",
})

func buildKeywordSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// IsKeyword reports whether s, compared case-insensitively, is one of the
// fixed SQL keywords.
func IsKeyword(s string) bool {
	_, ok := keywords[strings.ToUpper(s)]
	return ok
}
