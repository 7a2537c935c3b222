package model

import (
	"math"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// ExperimentStatus represents the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft   ExperimentStatus = "draft"
	StatusRunning ExperimentStatus = "running"
	StatusPaused  ExperimentStatus = "paused"
	StatusStopped ExperimentStatus = "stopped"
)

// Valid reports whether s is a known status.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusStopped:
		return true
	default:
		return false
	}
}

// transitions lists the allowed status moves. Stopped is terminal.
var transitions = map[ExperimentStatus][]ExperimentStatus{
	StatusDraft:   {StatusRunning, StatusStopped},
	StatusRunning: {StatusPaused, StatusStopped},
	StatusPaused:  {StatusRunning, StatusStopped},
}

// CanTransition reports whether an experiment may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to ExperimentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Variant identifies which page a visitor sees.
type Variant string

const (
	VariantA Variant = "A" // baseline
	VariantB Variant = "B" // test
)

// ParseVariant returns the variant named by s, or false when s is neither "A" nor "B".
func ParseVariant(s string) (Variant, bool) {
	switch Variant(s) {
	case VariantA, VariantB:
		return Variant(s), true
	default:
		return "", false
	}
}

// DefaultAllocationB is the share of traffic sent to B when none is configured.
const DefaultAllocationB = 0.5

var (
	// ErrInvalidExperiment is returned when an experiment fails validation.
	ErrInvalidExperiment = eris.New("invalid experiment")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = eris.New("invalid status transition")
)

// Experiment is a URL-vs-URL landing page test.
type Experiment struct {
	ID             string           `json:"id" yaml:"id"`
	Name           string           `json:"name" yaml:"name"`
	BaselineURL    string           `json:"baseline_url" yaml:"baseline_url"`
	TestURL        string           `json:"test_url" yaml:"test_url"`
	AllocationB    *float64         `json:"allocation_b" yaml:"allocation_b"`
	Status         ExperimentStatus `json:"status" yaml:"status"`
	StartAt        *time.Time       `json:"start_at" yaml:"start_at"`
	StopAt         *time.Time       `json:"stop_at" yaml:"stop_at"`
	PreserveParams bool             `json:"preserve_params" yaml:"preserve_params"`
	Version        int              `json:"version" yaml:"-"`
	CreatedAt      time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time        `json:"updated_at" yaml:"-"`
}

// Allocation returns the configured B allocation, defaulting to 0.5 when unset
// and clamping into [0,1].
func (e *Experiment) Allocation() float64 {
	if e.AllocationB == nil {
		return DefaultAllocationB
	}
	a := *e.AllocationB
	switch {
	case math.IsNaN(a):
		return DefaultAllocationB
	case a < 0:
		return 0
	case a > 1:
		return 1
	}
	return a
}

// ActiveAt reports whether the experiment is running and t falls inside its
// inclusive start/stop window.
func (e *Experiment) ActiveAt(t time.Time) bool {
	if e.Status != StatusRunning {
		return false
	}
	if e.StartAt != nil && t.Before(*e.StartAt) {
		return false
	}
	if e.StopAt != nil && t.After(*e.StopAt) {
		return false
	}
	return true
}

// Validate checks the experiment at the data-entry boundary.
func (e *Experiment) Validate() error {
	if e.ID == "" {
		return eris.Wrap(ErrInvalidExperiment, "id is required")
	}
	if err := validateAbsURL(e.BaselineURL); err != nil {
		return eris.Wrapf(ErrInvalidExperiment, "baseline_url: %v", err)
	}
	if err := validateAbsURL(e.TestURL); err != nil {
		return eris.Wrapf(ErrInvalidExperiment, "test_url: %v", err)
	}
	if e.AllocationB != nil {
		a := *e.AllocationB
		if math.IsNaN(a) || a < 0 || a > 1 {
			return eris.Wrapf(ErrInvalidExperiment, "allocation_b must be in [0,1], got %v", a)
		}
	}
	if !e.Status.Valid() {
		return eris.Wrapf(ErrInvalidExperiment, "unknown status %q", e.Status)
	}
	if e.StartAt != nil && e.StopAt != nil && e.StopAt.Before(*e.StartAt) {
		return eris.Wrap(ErrInvalidExperiment, "stop_at is before start_at")
	}
	return nil
}

func validateAbsURL(raw string) error {
	if raw == "" {
		return eris.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return eris.Wrap(err, "parse")
	}
	if !u.IsAbs() || u.Hostname() == "" {
		return eris.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}

// ExperimentPatch is a partial update. Nil fields are left unchanged.
type ExperimentPatch struct {
	Name           *string           `json:"name,omitempty"`
	BaselineURL    *string           `json:"baseline_url,omitempty"`
	TestURL        *string           `json:"test_url,omitempty"`
	AllocationB    *float64          `json:"allocation_b,omitempty"`
	Status         *ExperimentStatus `json:"status,omitempty"`
	StartAt        *time.Time        `json:"start_at,omitempty"`
	StopAt         *time.Time        `json:"stop_at,omitempty"`
	PreserveParams *bool             `json:"preserve_params,omitempty"`
	ClearStartAt   bool              `json:"clear_start_at,omitempty"`
	ClearStopAt    bool              `json:"clear_stop_at,omitempty"`
}

// Apply returns a copy of e with the patch applied, after checking the status
// transition and re-validating the result.
func (p ExperimentPatch) Apply(e Experiment) (Experiment, error) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.BaselineURL != nil {
		e.BaselineURL = *p.BaselineURL
	}
	if p.TestURL != nil {
		e.TestURL = *p.TestURL
	}
	if p.AllocationB != nil {
		a := *p.AllocationB
		e.AllocationB = &a
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return e, eris.Wrapf(ErrInvalidExperiment, "unknown status %q", *p.Status)
		}
		if !CanTransition(e.Status, *p.Status) {
			return e, eris.Wrapf(ErrInvalidTransition, "%s -> %s", e.Status, *p.Status)
		}
		e.Status = *p.Status
	}
	if p.ClearStartAt {
		e.StartAt = nil
	} else if p.StartAt != nil {
		t := p.StartAt.UTC()
		e.StartAt = &t
	}
	if p.ClearStopAt {
		e.StopAt = nil
	} else if p.StopAt != nil {
		t := p.StopAt.UTC()
		e.StopAt = &t
	}
	if p.PreserveParams != nil {
		e.PreserveParams = *p.PreserveParams
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}

// Float64 returns a pointer to v. Handy for AllocationB literals.
func Float64(v float64) *float64 {
	return &v
}
