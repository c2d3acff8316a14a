package internal

import (
	"slices"
	"strings"
	"time"
)

// Provider names. These appear in Work.Contributors, providerIDs keys,
// and response metadata, so they're part of the wire contract.
const (
	ProviderOpenLibrary  = "openlibrary"
	ProviderGoogleBooks  = "googlebooks"
	ProviderCoverArt     = "coverart"
	ProviderVision       = "vision"
	ProviderOrchestrated = "orchestrated"
)

// Edition formats.
const (
	FormatHardcover = "Hardcover"
	FormatPaperback = "Paperback"
	FormatEbook     = "E-book"
	FormatAudiobook = "Audiobook"
)

// Review statuses.
const (
	ReviewUnverified = "unverified"
	ReviewVerified   = "verified"
)

// UnknownTitle is the sentinel used when a provider omits the title.
const UnknownTitle = "Unknown"

// WorkResource is the canonical work shape shared by all providers.
type WorkResource struct {
	Title                string            `json:"title"`
	OriginalLanguage     string            `json:"originalLanguage,omitempty"`
	FirstPublicationYear int               `json:"firstPublicationYear,omitempty"`
	Description          string            `json:"description,omitempty"`
	SubjectTags          []string          `json:"subjectTags"`
	Contributors         []string          `json:"contributors"`
	PrimaryProvider      string            `json:"primaryProvider"`
	ProviderIDs          map[string]string `json:"providerIDs,omitempty"`
	QualityScore         int               `json:"qualityScore"`
	ReviewStatus         string            `json:"reviewStatus"`

	Editions []EditionResource `json:"editions"`
	Authors  []AuthorResource  `json:"authors"`
}

// EditionResource is a specific published edition of a work.
type EditionResource struct {
	ISBN               string   `json:"isbn,omitempty"`
	ISBNs              []string `json:"isbns"`
	Title              string   `json:"title"`
	EditionTitle       string   `json:"editionTitle,omitempty"`
	Publisher          string   `json:"publisher,omitempty"`
	PublicationDate    string   `json:"publicationDate,omitempty"`
	PageCount          int      `json:"pageCount,omitempty"`
	Format             string   `json:"format"`
	Language           string   `json:"language,omitempty"`
	CoverImageURL      string   `json:"coverImageURL,omitempty"`
	EditionDescription string   `json:"editionDescription,omitempty"`
}

// AuthorResource is a contributor to a work.
type AuthorResource struct {
	Name   string `json:"name"`
	Gender string `json:"gender"`
}

// GenderUnknown is the default author gender.
const GenderUnknown = "Unknown"

// PrimaryEdition returns the work's first edition, if any.
func (w *WorkResource) PrimaryEdition() *EditionResource {
	if len(w.Editions) == 0 {
		return nil
	}
	return &w.Editions[0]
}

// PrimaryAuthor returns the name of the work's first author, or "".
func (w *WorkResource) PrimaryAuthor() string {
	if len(w.Authors) == 0 {
		return ""
	}
	return w.Authors[0].Name
}

// dedupeKey identifies a work for merging: primary ISBN when present,
// otherwise case-folded title plus primary author.
func (w *WorkResource) dedupeKey() string {
	if e := w.PrimaryEdition(); e != nil && e.ISBN != "" {
		return "isbn:" + e.ISBN
	}
	return "ta:" + strings.ToLower(w.Title) + "|" + strings.ToLower(w.PrimaryAuthor())
}

// SetISBNs assigns the edition's ISBN set, dropping falsy values and
// duplicates while preserving order, and picks the primary (prefer
// 13-digit, else 10-digit).
func (e *EditionResource) SetISBNs(isbns ...string) {
	e.ISBNs = e.ISBNs[:0]
	seen := map[string]bool{}
	for _, raw := range isbns {
		s := isbnDigits(raw)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		e.ISBNs = append(e.ISBNs, s)
	}

	e.ISBN = ""
	for _, s := range e.ISBNs {
		if len(s) == 13 {
			e.ISBN = s
			break
		}
	}
	if e.ISBN == "" {
		for _, s := range e.ISBNs {
			if len(s) == 10 {
				e.ISBN = s
				break
			}
		}
	}
	if e.ISBN == "" && len(e.ISBNs) > 0 {
		e.ISBN = e.ISBNs[0]
	}
}

// MergeISBNs unions additional ISBNs into the set, re-deriving the
// primary.
func (e *EditionResource) MergeISBNs(isbns ...string) {
	e.SetISBNs(append(slices.Clone(e.ISBNs), isbns...)...)
}

// SearchResult is a scored list of works plus provenance for the
// response envelope.
type SearchResult struct {
	Works    []WorkResource `json:"works"`
	Provider string         `json:"provider"`
}

// JobStatus is the batch job lifecycle state.
type JobStatus string

// Job lifecycle states. Terminal states are everything except Pending
// and Running.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPartial   JobStatus = "partial"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobExpired   JobStatus = "expired"
)

// Terminal reports whether the status is a terminal one.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobPending, JobRunning:
		return false
	}
	return true
}

// BatchItem is one unit of work submitted to a batch job.
type BatchItem struct {
	ISBN   string `json:"isbn,omitempty"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
}

// ItemOutcome describes a single processed batch item.
type ItemOutcome struct {
	Index     int    `json:"index"`
	Input     string `json:"input"`
	Outcome   string `json:"outcome"` // "ok" | "failed"
	BookID    string `json:"bookId,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// JobState is the full persisted state of a batch job. It is owned
// exclusively by the job's actor; everything else sees copies.
type JobState struct {
	JobID          string        `json:"jobId"`
	OwnerPrincipal string        `json:"ownerPrincipal"`
	Status         JobStatus     `json:"status"`
	Items          []BatchItem   `json:"items"`
	TotalItems     int           `json:"totalItems"`
	CompletedItems int           `json:"completedItems"`
	FailedItems    int           `json:"failedItems"`
	PerItemResults []ItemOutcome `json:"perItemResults"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	Version        int64         `json:"version"`
}

// TokenEnvelope pairs a job's capability token with its expiry. The two
// fields are always stored and loaded together.
type TokenEnvelope struct {
	AuthToken          string    `json:"authToken"`
	AuthTokenExpiresAt time.Time `json:"authTokenExpiresAt"`
}

// Valid reports whether the token is still usable at the given instant.
func (t TokenEnvelope) Valid(now time.Time) bool {
	return t.AuthToken != "" && now.Before(t.AuthTokenExpiresAt)
}

// snapshot returns a deep copy suitable for release outside the actor.
func (j *JobState) snapshot() JobState {
	cp := *j
	cp.Items = slices.Clone(j.Items)
	cp.PerItemResults = slices.Clone(j.PerItemResults)
	return cp
}
