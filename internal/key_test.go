package internal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintISBNNormalization(t *testing.T) {
	t.Parallel()

	base := ISBNQuery(KindEnrich, "9780134190440").Fingerprint()

	for _, raw := range []string{
		"978-0-13-419044-0",
		" 9780134190440 ",
		"ISBN 9780134190440",
	} {
		assert.Equal(t, base, ISBNQuery(KindEnrich, raw).Fingerprint(), "raw=%q", raw)
	}

	assert.Equal(t, "v1:enrich:isbn:isbn=9780134190440", base)
}

func TestFingerprintKeepsCheckDigitX(t *testing.T) {
	t.Parallel()

	fp := ISBNQuery(KindEnrich, "0-8044-2957-X").Fingerprint()
	assert.True(t, strings.HasSuffix(fp, "isbn=080442957x"), fp)
}

func TestFingerprintTextNormalization(t *testing.T) {
	t.Parallel()

	base := TextQuery("title", "the left hand of darkness").Fingerprint()

	for _, raw := range []string{
		"The Left Hand of Darkness",
		"  the   left\thand of darkness ",
		"THE LEFT HAND OF DARKNESS",
	} {
		assert.Equal(t, base, TextQuery("title", raw).Fingerprint(), "raw=%q", raw)
	}
}

func TestFingerprintSortsParams(t *testing.T) {
	t.Parallel()

	a := Query{Kind: KindSearch, Subkind: "title", Params: map[string]string{"q": "dune", "max": "20"}}
	b := Query{Kind: KindSearch, Subkind: "title", Params: map[string]string{"max": "20", "q": "dune"}}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, "v1:search:title:max=20&q=dune", a.Fingerprint())
}

func TestFingerprintSeparatesNamespaces(t *testing.T) {
	t.Parallel()

	enrich := ISBNQuery(KindEnrich, "9780134190440")
	search := ISBNQuery(KindSearch, "9780134190440")
	assert.NotEqual(t, enrich.Fingerprint(), search.Fingerprint())
	assert.NotEqual(t, enrich.EdgeKey(), search.EdgeKey())
}

func TestEdgeKeyIsStable(t *testing.T) {
	t.Parallel()

	q := TextQuery("author", "Ursula K. Le Guin")
	assert.Equal(t, q.EdgeKey(), q.EdgeKey())
	assert.True(t, strings.HasPrefix(q.EdgeKey(), "edge:"))
}

func TestValidISBN(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidISBN("9780134190440"))
	assert.True(t, ValidISBN("978-0-13-419044-0"))
	assert.True(t, ValidISBN("080442957X"))
	assert.False(t, ValidISBN("12345"))
	assert.False(t, ValidISBN(""))
	assert.False(t, ValidISBN("not an isbn"))
}
