package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// _keyVersion prefixes every fingerprint. Bump it whenever the derivation
// below changes incompatibly so stale cache entries are orphaned rather
// than misread.
const _keyVersion = "v1"

// QueryKind partitions the cache namespace.
type QueryKind string

// Cache namespaces. The AI namespace is deliberately separate from
// metadata reads so vision payloads never collide with search results.
const (
	KindSearch QueryKind = "search"
	KindEnrich QueryKind = "enrich"
	KindCover  QueryKind = "cover"
	KindAI     QueryKind = "ai"
)

// Query identifies a cacheable lookup: a kind, a subkind (isbn, title,
// author, …) and its parameters.
type Query struct {
	Kind    QueryKind
	Subkind string
	Params  map[string]string
}

// ISBNQuery builds an ISBN lookup query for the given kind.
func ISBNQuery(kind QueryKind, isbn string) Query {
	return Query{Kind: kind, Subkind: "isbn", Params: map[string]string{"isbn": isbn}}
}

// TextQuery builds a title or author search query.
func TextQuery(subkind, q string) Query {
	return Query{Kind: KindSearch, Subkind: subkind, Params: map[string]string{"q": q}}
}

// Fingerprint derives the canonical cache key:
//
//	v1:{kind}:{subkind}:{k1=v1&k2=v2…}
//
// Pairs are sorted lexicographically. Values are trimmed and lowercased;
// ISBN values keep digits (and a trailing X check digit) only; free text
// is NFC-normalized with whitespace collapsed. The derivation must stay
// pure and stable; see _keyVersion.
func (q Query) Fingerprint() string {
	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := q.Params[k]
		if q.Subkind == "isbn" {
			v = isbnDigits(v)
		} else {
			v = normalizeText(v)
		}
		pairs = append(pairs, k+"="+v)
	}

	return _keyVersion + ":" + string(q.Kind) + ":" + q.Subkind + ":" + strings.Join(pairs, "&")
}

// EdgeKey is the URL-safe form of the fingerprint used by the edge tier.
func (q Query) EdgeKey() string {
	sum := sha256.Sum256([]byte(q.Fingerprint()))
	return "edge:" + hex.EncodeToString(sum[:16])
}

// Casefold canonicalizes free text the same way fingerprints do, for
// case-insensitive comparisons.
func Casefold(s string) string {
	return normalizeText(s)
}

// ValidISBN reports whether the input has an ISBN-10 or ISBN-13 shape
// after stripping separators. Check digits aren't verified; providers
// are the authority on whether the number exists.
func ValidISBN(s string) bool {
	n := len(isbnDigits(s))
	return n == 10 || n == 13
}

// isbnDigits strips everything but digits, keeping a trailing X check
// digit (valid in ISBN-10).
func isbnDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == 'x' || r == 'X' {
			b.WriteByte('x')
		}
	}
	return b.String()
}

// normalizeText canonicalizes free-text params: NFC, lowercase, trimmed,
// inner whitespace collapsed to single spaces.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
