package store

import "strings"

// NormalizeName canonicalizes an entity name or type for identity matching:
// lower-cased, trimmed, inner whitespace collapsed to single spaces.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeRelation canonicalizes a relation label: lower-cased, trimmed,
// whitespace collapsed to underscores so "works on" and "works_on" dedup.
func NormalizeRelation(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.ReplaceAll(s, "_", " "))), "_")
}
