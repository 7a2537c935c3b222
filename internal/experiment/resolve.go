package experiment

import (
	"net/url"
	"strings"
	"time"

	"github.com/sells-group/ab-resolver/internal/model"
)

// ForceParam is the query parameter QA links use to pin a variant, e.g.
// ?__exp=forceB.
const ForceParam = "__exp"

// Source records which rule picked a variant.
type Source string

const (
	SourceForced Source = "forced"
	SourceSticky Source = "sticky"
	SourceHash   Source = "hash"
)

// Request describes one inbound resolution.
type Request struct {
	URL             string `json:"url"`
	ClientID        string `json:"client_id,omitempty"`
	ForcedVariant   string `json:"forced_variant,omitempty"`
	ExistingVariant string `json:"existing_variant,omitempty"`
}

// Resolution is the outcome of Resolve. When Active is false every other
// field is left at its zero value and omitted from JSON.
type Resolution struct {
	Active         bool          `json:"active"`
	ExperimentID   string        `json:"experiment_id,omitempty"`
	BaselineURL    string        `json:"baseline_url,omitempty"`
	TestURL        string        `json:"test_url,omitempty"`
	AllocationB    *float64      `json:"allocation_b,omitempty"`
	PreserveParams *bool         `json:"preserve_params,omitempty"`
	Variant        model.Variant `json:"variant,omitempty"`
	RedirectURL    string        `json:"redirect_url,omitempty"`
	Source         Source        `json:"source,omitempty"`
}

// Forced reports whether the variant came from a QA override.
func (r Resolution) Forced() bool {
	return r.Source == SourceForced
}

// ForcedFromURL extracts a forced variant from the ?__exp=forceA|forceB query
// parameter of rawURL.
func ForcedFromURL(rawURL string) (model.Variant, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	v := u.Query().Get(ForceParam)
	if !strings.HasPrefix(v, "force") {
		return "", false
	}
	return model.ParseVariant(strings.TrimPrefix(v, "force"))
}

// Choose applies variant precedence for exp: an explicit forced variant wins,
// then a variant already recorded for the visitor, then a fresh hash draw
// seeded by clientID. Unrecognised variant strings are ignored.
func Choose(req Request, exp *model.Experiment) (model.Variant, Source) {
	if v, ok := model.ParseVariant(req.ForcedVariant); ok {
		return v, SourceForced
	}
	if v, ok := ForcedFromURL(req.URL); ok {
		return v, SourceForced
	}
	if v, ok := model.ParseVariant(req.ExistingVariant); ok {
		return v, SourceSticky
	}
	return Assign(Seed(req.ClientID, exp.ID), exp.Allocation()), SourceHash
}

// Resolve finds the active experiment for req.URL among experiments and picks
// the visitor's variant. A malformed URL or no match yields an inactive
// resolution, never an error.
func Resolve(req Request, experiments []model.Experiment, now time.Time) Resolution {
	return ResolveFor(req, FindActive(req.URL, now, experiments))
}

// ResolveFor builds the resolution for an experiment already matched to
// req.URL. A nil exp is inactive.
func ResolveFor(req Request, exp *model.Experiment) Resolution {
	if exp == nil {
		return Resolution{Active: false}
	}

	variant, src := Choose(req, exp)
	alloc := exp.Allocation()
	preserve := exp.PreserveParams

	res := Resolution{
		Active:         true,
		ExperimentID:   exp.ID,
		BaselineURL:    exp.BaselineURL,
		TestURL:        exp.TestURL,
		AllocationB:    &alloc,
		PreserveParams: &preserve,
		Variant:        variant,
		Source:         src,
	}
	if target, ok := RedirectTarget(req.URL, exp, variant); ok {
		res.RedirectURL = target
	}
	return res
}
