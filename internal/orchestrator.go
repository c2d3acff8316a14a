package internal

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// _searchBudget is the wall-clock bound on a whole fan-out. Providers
// that miss it contribute nothing; partial results are fine.
const _searchBudget = 5 * time.Second

// AggregateError is returned when every provider in a fan-out failed.
// It carries each provider's classified failure.
type AggregateError struct {
	Failures map[string]error
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for name, err := range e.Failures {
		parts = append(parts, name+": "+err.Error())
	}
	sort.Strings(parts)
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Status maps the aggregate onto a single HTTP code: not-found only
// when every provider agreed, timeout when any deadline expired,
// otherwise a bad gateway.
func (e *AggregateError) Status() int {
	allNotFound := true
	anyTimeout := false
	for _, err := range e.Failures {
		switch failureKindOf(err) {
		case FailureNotFound:
		case FailureTimeout:
			allNotFound = false
			anyTimeout = true
		default:
			allNotFound = false
		}
	}
	switch {
	case allNotFound:
		return http.StatusNotFound
	case anyTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Orchestrator fans queries out across providers and merges their
// answers into a single deduped result set.
type Orchestrator struct {
	providers []Provider
	budget    time.Duration
}

// NewOrchestrator builds an orchestrator over the given providers, in
// priority order.
func NewOrchestrator(providers ...Provider) *Orchestrator {
	return &Orchestrator{providers: providers, budget: _searchBudget}
}

// providerAnswer pairs one provider's works with its name for merge
// provenance.
type providerAnswer struct {
	provider string
	works    []WorkResource
}

// Search fans the query out to every provider and merges the answers.
// Finding nothing is a success: a provider that answers with zero works
// contributes an empty result, and an *AggregateError is returned only
// when every provider failed.
func (o *Orchestrator) Search(ctx context.Context, query string, kind SearchKind, limit int) (SearchResult, error) {
	answers, failures := o.fanOut(ctx, func(ctx context.Context, p Provider) ([]WorkResource, error) {
		return p.Search(ctx, query, kind, limit)
	})
	if len(answers) == 0 {
		if len(failures) < len(o.providers) {
			// At least one provider answered and found nothing.
			return SearchResult{Works: []WorkResource{}}, nil
		}
		return SearchResult{Works: []WorkResource{}}, &AggregateError{Failures: failures}
	}

	works := mergeWorks(answers)
	if len(works) > limit && limit > 0 {
		works = works[:limit]
	}
	return SearchResult{Works: works, Provider: provenance(answers)}, nil
}

// LookupISBN fans a single-ISBN lookup out and merges the answers into
// one work. Unlike Search, a lookup that nobody can satisfy is a hard
// not-found.
func (o *Orchestrator) LookupISBN(ctx context.Context, isbn string) (*WorkResource, error) {
	answers, failures := o.fanOut(ctx, func(ctx context.Context, p Provider) ([]WorkResource, error) {
		w, err := p.LookupISBN(ctx, isbn)
		if err != nil {
			return nil, err
		}
		return []WorkResource{*w}, nil
	})
	if len(answers) == 0 {
		if len(failures) == 0 {
			// Every provider answered and none knew the ISBN.
			failures = make(map[string]error, len(o.providers))
			for _, p := range o.providers {
				failures[p.Name()] = &ProviderError{Provider: p.Name(), Kind: FailureNotFound}
			}
		}
		return nil, &AggregateError{Failures: failures}
	}

	works := mergeWorks(answers)
	merged := works[0]
	merged.PrimaryProvider = provenance(answers)
	return &merged, nil
}

// fanOut runs fn against every provider in parallel under the budget.
// Provider errors are collected, never propagated through the group.
func (o *Orchestrator) fanOut(ctx context.Context, fn func(context.Context, Provider) ([]WorkResource, error)) ([]providerAnswer, map[string]error) {
	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	results := make([]providerAnswer, len(o.providers))
	errs := make([]error, len(o.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range o.providers {
		g.Go(func() error {
			works, err := fn(gctx, p)
			if err != nil {
				Log(ctx).Debug("provider failed", "provider", p.Name(), "kind", failureKindOf(err))
				errs[i] = err
				return nil
			}
			results[i] = providerAnswer{provider: p.Name(), works: works}
			return nil
		})
	}
	g.Wait()

	answers := make([]providerAnswer, 0, len(results))
	for _, r := range results {
		if r.provider != "" && len(r.works) > 0 {
			answers = append(answers, r)
		}
	}
	failures := map[string]error{}
	for i, err := range errs {
		if err != nil {
			failures[o.providers[i].Name()] = err
		}
	}
	// A provider that answered with zero works and no error counts as
	// found-nothing: it appears in neither answers nor failures.
	return answers, failures
}

// provenance names the answer's source: the single provider when only
// one contributed, otherwise "orchestrated".
func provenance(answers []providerAnswer) string {
	if len(answers) == 1 {
		return answers[0].provider
	}
	return ProviderOrchestrated
}

// mergeWorks dedupes works across providers and supplements missing
// fields on the winner from lower-quality duplicates. Answer order is
// provider priority order; within a key the highest quality score wins.
func mergeWorks(answers []providerAnswer) []WorkResource {
	var order []string
	byKey := map[string]*WorkResource{}

	for _, answer := range answers {
		for i := range answer.works {
			w := answer.works[i]
			key := w.dedupeKey()
			existing, ok := byKey[key]
			if !ok {
				cp := w
				byKey[key] = &cp
				order = append(order, key)
				continue
			}
			if w.QualityScore > existing.QualityScore {
				supplementWork(&w, existing)
				*existing = w
			} else {
				supplementWork(existing, &w)
			}
		}
	}

	merged := make([]WorkResource, 0, len(order))
	for _, key := range order {
		w := byKey[key]
		w.Authors = dedupeAuthors(w.Authors)
		merged = append(merged, *w)
	}
	return merged
}

// supplementWork fills dst's missing fields from src and unions the
// cross-provider bookkeeping.
func supplementWork(dst, src *WorkResource) {
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.OriginalLanguage == "" {
		dst.OriginalLanguage = src.OriginalLanguage
	}
	if dst.FirstPublicationYear == 0 {
		dst.FirstPublicationYear = src.FirstPublicationYear
	}
	if len(dst.SubjectTags) == 0 {
		dst.SubjectTags = src.SubjectTags
	}

	for provider, id := range src.ProviderIDs {
		if dst.ProviderIDs == nil {
			dst.ProviderIDs = map[string]string{}
		}
		if _, ok := dst.ProviderIDs[provider]; !ok {
			dst.ProviderIDs[provider] = id
		}
	}
	dst.Contributors = dedupeStrings(append(dst.Contributors, src.Contributors...))
	dst.Authors = append(dst.Authors, src.Authors...)

	if de, se := dst.PrimaryEdition(), src.PrimaryEdition(); de != nil && se != nil {
		if de.CoverImageURL == "" {
			de.CoverImageURL = se.CoverImageURL
		}
		if de.Publisher == "" {
			de.Publisher = se.Publisher
		}
		if de.PageCount == 0 {
			de.PageCount = se.PageCount
		}
		if de.PublicationDate == "" {
			de.PublicationDate = se.PublicationDate
		}
		de.MergeISBNs(se.ISBNs...)
	} else if de == nil && se != nil {
		dst.Editions = append(dst.Editions, *se)
	}

	dst.QualityScore = qualityScore(dst)
}

// dedupeAuthors keeps the first of each case-folded name, preferring
// entries with a known gender.
func dedupeAuthors(in []AuthorResource) []AuthorResource {
	seen := map[string]int{}
	out := make([]AuthorResource, 0, len(in))
	for _, a := range in {
		key := strings.ToLower(strings.TrimSpace(a.Name))
		if key == "" {
			continue
		}
		if i, ok := seen[key]; ok {
			if out[i].Gender == GenderUnknown && a.Gender != "" && a.Gender != GenderUnknown {
				out[i].Gender = a.Gender
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, a)
	}
	return out
}
