package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// GoogleBooks is the secondary metadata provider. It requires an API
// key, supplied through a SecretSource so rotation doesn't need a
// restart.
type GoogleBooks struct {
	up     *upstream
	host   string
	apiKey SecretSource
}

var _ Provider = (*GoogleBooks)(nil)

// NewGoogleBooks creates the secondary provider client.
func NewGoogleBooks(client *http.Client, host string, apiKey SecretSource, reg *prometheus.Registry) *GoogleBooks {
	if host == "" {
		host = "https://www.googleapis.com"
	}
	return &GoogleBooks{
		up:     newUpstream(ProviderGoogleBooks, client, reg),
		host:   strings.TrimSuffix(host, "/"),
		apiKey: apiKey,
	}
}

// Name implements Provider.
func (g *GoogleBooks) Name() string { return ProviderGoogleBooks }

type gbVolumesResponse struct {
	TotalItems int        `json:"totalItems"`
	Items      []gbVolume `json:"items"`
}

type gbVolume struct {
	ID         string       `json:"id"`
	VolumeInfo gbVolumeInfo `json:"volumeInfo"`
}

type gbVolumeInfo struct {
	Title               string         `json:"title"`
	Subtitle            string         `json:"subtitle"`
	Authors             []string       `json:"authors"`
	Publisher           string         `json:"publisher"`
	PublishedDate       string         `json:"publishedDate"`
	Description         string         `json:"description"`
	IndustryIdentifiers []gbIdentifier `json:"industryIdentifiers"`
	PageCount           int            `json:"pageCount"`
	PrintType           string         `json:"printType"`
	Categories          []string       `json:"categories"`
	Language            string         `json:"language"`
	ImageLinks          struct {
		Thumbnail string `json:"thumbnail"`
	} `json:"imageLinks"`
}

type gbIdentifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// Search implements Provider.
func (g *GoogleBooks) Search(ctx context.Context, query string, kind SearchKind, limit int) ([]WorkResource, error) {
	q := query
	switch kind {
	case SearchAuthor:
		q = "inauthor:" + query
	case SearchTitle:
		q = "intitle:" + query
	}
	return g.volumes(ctx, q, limit)
}

// LookupISBN implements Provider.
func (g *GoogleBooks) LookupISBN(ctx context.Context, isbn string) (*WorkResource, error) {
	works, err := g.volumes(ctx, "isbn:"+isbnDigits(isbn), 1)
	if err != nil {
		return nil, err
	}
	if len(works) == 0 {
		return nil, g.up.fail(FailureNotFound, fmt.Errorf("no results for isbn %s", isbn))
	}
	return &works[0], nil
}

func (g *GoogleBooks) volumes(ctx context.Context, q string, limit int) ([]WorkResource, error) {
	key, err := g.apiKey.Secret()
	if err != nil {
		return nil, g.up.fail(FailureUnauthenticated, err)
	}
	params := url.Values{
		"q":          {q},
		"maxResults": {fmt.Sprint(limit)},
		"key":        {key},
	}

	var resp gbVolumesResponse
	if err := g.up.getJSON(ctx, g.host+"/books/v1/volumes?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	works := make([]WorkResource, 0, len(resp.Items))
	for _, item := range resp.Items {
		works = append(works, g.mapVolume(item))
	}
	return works, nil
}

func (g *GoogleBooks) mapVolume(v gbVolume) WorkResource {
	info := v.VolumeInfo
	w := WorkResource{
		Title:                info.Title,
		OriginalLanguage:     info.Language,
		FirstPublicationYear: yearFrom(info.PublishedDate),
		Description:          info.Description,
		SubjectTags:          info.Categories,
	}
	if v.ID != "" {
		w.ProviderIDs = map[string]string{ProviderGoogleBooks: v.ID}
	}
	for _, name := range info.Authors {
		w.Authors = append(w.Authors, AuthorResource{Name: name})
	}

	edition := EditionResource{
		Title:           info.Title,
		EditionTitle:    info.Subtitle,
		Publisher:       info.Publisher,
		PublicationDate: info.PublishedDate,
		PageCount:       info.PageCount,
		Format:          formatFromBinding(info.PrintType),
		Language:        info.Language,
		CoverImageURL:   info.ImageLinks.Thumbnail,
	}
	isbns := make([]string, 0, len(info.IndustryIdentifiers))
	for _, id := range info.IndustryIdentifiers {
		if strings.HasPrefix(id.Type, "ISBN") {
			isbns = append(isbns, id.Identifier)
		}
	}
	edition.SetISBNs(isbns...)
	w.Editions = []EditionResource{edition}

	finalizeWork(&w, ProviderGoogleBooks)
	return w
}
