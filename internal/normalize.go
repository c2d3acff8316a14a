package internal

import (
	"slices"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var _sanitizer = bluemonday.StrictPolicy()

// sanitizeDescription strips markup from provider descriptions. Some
// upstreams embed HTML; we only ever serve plain text.
func sanitizeDescription(s string) string {
	return strings.TrimSpace(_sanitizer.Sanitize(s))
}

// yearFrom extracts a publication year from the date formats upstreams
// send: "2006", "2006-01", or "2006-01-02". Anything that doesn't lead
// with a plausible four-digit year maps to 0.
func yearFrom(date string) int {
	date = strings.TrimSpace(date)
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil || y < 1000 || y > 2999 {
		return 0
	}
	return y
}

// formatFromBinding maps free-form binding strings onto our edition
// formats. Unrecognized bindings default to Paperback, the most common
// physical format.
func formatFromBinding(binding string) string {
	b := strings.ToLower(strings.TrimSpace(binding))
	switch {
	case strings.Contains(b, "hardcover"),
		strings.Contains(b, "hardback"),
		strings.Contains(b, "library binding"):
		return FormatHardcover
	case strings.Contains(b, "mass market"),
		strings.Contains(b, "trade paper"),
		strings.Contains(b, "paperback"):
		return FormatPaperback
	case strings.Contains(b, "ebook"),
		strings.Contains(b, "e-book"),
		strings.Contains(b, "kindle"),
		strings.Contains(b, "digital"):
		return FormatEbook
	case strings.Contains(b, "audio"):
		return FormatAudiobook
	default:
		return FormatPaperback
	}
}

// qualityScore rates a work's completeness on a 0..100 scale. The score
// gates cache write-back and drives field supplementation during merge.
func qualityScore(w *WorkResource) int {
	score := 50
	if e := w.PrimaryEdition(); e != nil {
		if e.CoverImageURL != "" {
			score += 20
		}
		if e.PageCount > 0 {
			score += 5
		}
		if e.Publisher != "" {
			score += 5
		}
	}
	if len(w.Description) >= 50 {
		score += 10
	}
	if len(w.SubjectTags) > 0 {
		score += 5
	}
	if len(w.Authors) > 0 {
		score += 5
	}
	return max(0, min(100, score))
}

// coverLooksLarge reports whether a cover URL points at a usably large
// image, judged by the size markers the providers put in their URLs.
func coverLooksLarge(url string) bool {
	if url == "" {
		return false
	}
	switch {
	case strings.Contains(url, "-L.jpg"), strings.Contains(url, "-L.png"):
		// Open Library's large size suffix.
		return true
	case strings.Contains(url, "zoom=1") && !strings.Contains(url, "&edge=curl"):
		// Google Books thumbnails at zoom=1 are full size.
		return true
	case strings.Contains(url, "coverartarchive.org") && strings.HasSuffix(url, "front-500"):
		return true
	}
	return false
}

// upgradeCoverURL rewrites known small-size cover URLs to their large
// variants when the provider supports it.
func upgradeCoverURL(url string) string {
	url = strings.Replace(url, "http://", "https://", 1)
	url = strings.Replace(url, "-S.jpg", "-L.jpg", 1)
	url = strings.Replace(url, "-M.jpg", "-L.jpg", 1)
	url = strings.Replace(url, "&edge=curl", "", 1)
	return url
}

// finalizeWork applies the shared normalization invariants every
// provider mapping must end with: a non-empty title, sanitized
// description, deduped subjects, and a computed quality score.
func finalizeWork(w *WorkResource, provider string) {
	if strings.TrimSpace(w.Title) == "" {
		w.Title = UnknownTitle
	}
	w.Description = sanitizeDescription(w.Description)
	w.SubjectTags = dedupeStrings(w.SubjectTags)
	if w.SubjectTags == nil {
		w.SubjectTags = []string{}
	}
	if w.Contributors == nil {
		w.Contributors = []string{}
	}
	if !slices.Contains(w.Contributors, provider) {
		w.Contributors = append(w.Contributors, provider)
	}
	if w.PrimaryProvider == "" {
		w.PrimaryProvider = provider
	}
	if w.ReviewStatus == "" {
		w.ReviewStatus = ReviewUnverified
	}
	for i := range w.Authors {
		if w.Authors[i].Gender == "" {
			w.Authors[i].Gender = GenderUnknown
		}
	}
	for i := range w.Editions {
		e := &w.Editions[i]
		if e.Title == "" {
			e.Title = w.Title
		}
		if e.Format == "" {
			e.Format = FormatPaperback
		}
		e.CoverImageURL = upgradeCoverURL(e.CoverImageURL)
	}
	w.QualityScore = qualityScore(w)
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
