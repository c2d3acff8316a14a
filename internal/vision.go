package internal

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Vision is the AI parse provider, treated as a black box: images or
// free text go in, candidate books come out. Prompting lives upstream.
type Vision struct {
	up    *upstream
	host  string
	token SecretSource
}

// NewVision creates the AI parse client.
func NewVision(client *http.Client, host string, token SecretSource, reg *prometheus.Registry) *Vision {
	return &Vision{
		up:    newUpstream(ProviderVision, client, reg),
		host:  strings.TrimSuffix(host, "/"),
		token: token,
	}
}

type visionRequest struct {
	Images []string `json:"images,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type visionResponse struct {
	Candidates []visionCandidate `json:"candidates"`
}

type visionCandidate struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
}

// ScanShelf submits bookshelf photos and returns the candidate books
// the model spotted on the spines.
func (v *Vision) ScanShelf(ctx context.Context, images [][]byte) ([]BatchItem, error) {
	req := visionRequest{Images: make([]string, 0, len(images))}
	for _, img := range images {
		req.Images = append(req.Images, base64.StdEncoding.EncodeToString(img))
	}
	return v.parse(ctx, req)
}

// ParseText submits free text (a pasted reading list, a messy CSV row)
// and returns the candidate books it describes.
func (v *Vision) ParseText(ctx context.Context, text string) ([]BatchItem, error) {
	return v.parse(ctx, visionRequest{Text: text})
}

func (v *Vision) parse(ctx context.Context, req visionRequest) ([]BatchItem, error) {
	token, err := v.token.Secret()
	if err != nil {
		return nil, v.up.fail(FailureUnauthenticated, err)
	}
	header := http.Header{"Authorization": {"Bearer " + token}}

	var resp visionResponse
	if err := v.up.postJSON(ctx, v.host+"/v1/parse", header, req, &resp); err != nil {
		return nil, err
	}

	items := make([]BatchItem, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		item := BatchItem{
			ISBN:   isbnDigits(c.ISBN),
			Title:  strings.TrimSpace(c.Title),
			Author: strings.TrimSpace(c.Author),
		}
		if item.ISBN == "" && item.Title == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
