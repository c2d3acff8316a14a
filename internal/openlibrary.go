package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// OpenLibrary is the primary metadata provider, backed by the
// openlibrary.org search API.
type OpenLibrary struct {
	up   *upstream
	host string
}

var _ Provider = (*OpenLibrary)(nil)

// NewOpenLibrary creates the primary provider client. An empty host
// defaults to the public API.
func NewOpenLibrary(client *http.Client, host string, reg *prometheus.Registry) *OpenLibrary {
	if host == "" {
		host = "https://openlibrary.org"
	}
	return &OpenLibrary{
		up:   newUpstream(ProviderOpenLibrary, client, reg),
		host: strings.TrimSuffix(host, "/"),
	}
}

// Name implements Provider.
func (o *OpenLibrary) Name() string { return ProviderOpenLibrary }

// olSearchResponse is the subset of the search.json payload we consume.
type olSearchResponse struct {
	NumFound int     `json:"numFound"`
	Docs     []olDoc `json:"docs"`
}

type olDoc struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	Language         []string `json:"language"`
	Publisher        []string `json:"publisher"`
	PublishDate      []string `json:"publish_date"`
	ISBN             []string `json:"isbn"`
	CoverID          int64    `json:"cover_i"`
	Subject          []string `json:"subject"`
	MedianPages      int      `json:"number_of_pages_median"`
	FirstSentence    []string `json:"first_sentence"`
}

// Search implements Provider.
func (o *OpenLibrary) Search(ctx context.Context, query string, kind SearchKind, limit int) ([]WorkResource, error) {
	params := url.Values{"limit": {fmt.Sprint(limit)}}
	switch kind {
	case SearchAuthor:
		params.Set("author", query)
	default:
		params.Set("title", query)
	}

	var resp olSearchResponse
	if err := o.up.getJSON(ctx, o.host+"/search.json?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	works := make([]WorkResource, 0, len(resp.Docs))
	for _, doc := range resp.Docs {
		works = append(works, o.mapDoc(doc))
	}
	return works, nil
}

// LookupISBN implements Provider.
func (o *OpenLibrary) LookupISBN(ctx context.Context, isbn string) (*WorkResource, error) {
	params := url.Values{"isbn": {isbnDigits(isbn)}, "limit": {"1"}}

	var resp olSearchResponse
	if err := o.up.getJSON(ctx, o.host+"/search.json?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Docs) == 0 {
		return nil, o.up.fail(FailureNotFound, fmt.Errorf("no results for isbn %s", isbn))
	}

	w := o.mapDoc(resp.Docs[0])
	return &w, nil
}

// mapDoc normalizes a search doc into the canonical work shape.
func (o *OpenLibrary) mapDoc(doc olDoc) WorkResource {
	w := WorkResource{
		Title:                doc.Title,
		FirstPublicationYear: doc.FirstPublishYear,
		SubjectTags:          doc.Subject,
		Description:          strings.Join(doc.FirstSentence, " "),
	}
	if len(doc.Language) > 0 {
		w.OriginalLanguage = doc.Language[0]
	}
	if doc.Key != "" {
		w.ProviderIDs = map[string]string{ProviderOpenLibrary: doc.Key}
	}
	for _, name := range doc.AuthorName {
		w.Authors = append(w.Authors, AuthorResource{Name: name})
	}

	edition := EditionResource{
		Title:     doc.Title,
		PageCount: doc.MedianPages,
	}
	if len(doc.Publisher) > 0 {
		edition.Publisher = doc.Publisher[0]
	}
	if len(doc.PublishDate) > 0 {
		edition.PublicationDate = doc.PublishDate[0]
		if w.FirstPublicationYear == 0 {
			w.FirstPublicationYear = yearFrom(edition.PublicationDate)
		}
	}
	if doc.CoverID > 0 {
		edition.CoverImageURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", doc.CoverID)
	}
	edition.SetISBNs(doc.ISBN...)
	w.Editions = []EditionResource{edition}

	finalizeWork(&w, ProviderOpenLibrary)
	return w
}
