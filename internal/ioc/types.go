// Package ioc defines the canonical indicator-of-compromise model shared by
// the store, the aggregation engine, and the feed monitor, together with the
// score normalization rules that make observations from independent sources
// comparable.
package ioc

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrValidation indicates a malformed observation that must be rejected
// before normalization or persistence.
var ErrValidation = errors.New("invalid observation")

// Kind represents the type of indicator.
type Kind string

const (
	KindIP     Kind = "ip"
	KindDomain Kind = "domain"
	KindHash   Kind = "hash"
	KindURL    Kind = "url"
)

// Valid reports whether k is a known indicator kind.
func (k Kind) Valid() bool {
	switch k {
	case KindIP, KindDomain, KindHash, KindURL:
		return true
	}
	return false
}

// Classification is the severity tier derived from a normalized threat score.
type Classification string

const (
	ClassClean    Classification = "clean"
	ClassLow      Classification = "low"
	ClassMedium   Classification = "medium"
	ClassHigh     Classification = "high"
	ClassCritical Classification = "critical"
)

// Valid reports whether c is a known classification tier.
func (c Classification) Valid() bool {
	switch c {
	case ClassClean, ClassLow, ClassMedium, ClassHigh, ClassCritical:
		return true
	}
	return false
}

// Key uniquely identifies a canonical record.
type Key struct {
	Value string
	Kind  Kind
}

// String renders the key in the form used by persistence backends.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.Value
}

// RawScore is a source-specific score representation before normalization.
// Detection-ratio sources fill Positives/Total and set Ratio; everything
// else reports a direct confidence percentage.
type RawScore struct {
	Ratio      bool    `json:"ratio,omitempty"`
	Positives  int     `json:"positives,omitempty"`
	Total      int     `json:"total,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// DetectionRatio builds a raw score from a positives/total detection ratio.
func DetectionRatio(positives, total int) RawScore {
	return RawScore{Ratio: true, Positives: positives, Total: total}
}

// Confidence builds a raw score from a direct confidence percentage.
func Confidence(v float64) RawScore {
	return RawScore{Confidence: v}
}

// Observation is one source's report about one indicator at one point in
// time. Score and Classification are filled by the aggregation engine after
// normalization; callers supply the raw source representation.
type Observation struct {
	Value          string         `json:"value"`
	Kind           Kind           `json:"kind"`
	Source         string         `json:"source"`
	Raw            RawScore       `json:"raw"`
	Score          int            `json:"score"`
	Classification Classification `json:"classification"`
	Tags           []string       `json:"tags,omitempty"`
	Description    string         `json:"description,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	ObservedAt     time.Time      `json:"observed_at"`
}

// Key returns the canonical record key for this observation.
func (o Observation) Key() Key {
	return Key{Value: o.Value, Kind: o.Kind}
}

// Validate rejects observations that are missing the fields required to
// identify a canonical record.
func (o Observation) Validate() error {
	if o.Value == "" {
		return fmt.Errorf("%w: value is required", ErrValidation)
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, o.Kind)
	}
	if o.Source == "" {
		return fmt.Errorf("%w: source is required", ErrValidation)
	}
	return nil
}

// SourceObservation is the per-source snapshot appended to a canonical
// record on every merge.
type SourceObservation struct {
	Source         string         `json:"source"`
	Score          int            `json:"score"`
	Classification Classification `json:"classification"`
	Details        map[string]any `json:"details,omitempty"`
	ObservedAt     time.Time      `json:"observed_at"`
}

// Indicator is the canonical, merged record for one (value, kind) pair
// across all sources that have ever reported it.
type Indicator struct {
	Value          string              `json:"value"`
	Kind           Kind                `json:"kind"`
	ThreatScore    int                 `json:"threat_score"`
	Classification Classification      `json:"classification"`
	Sources        []string            `json:"sources"`
	Observations   []SourceObservation `json:"source_observations,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	FirstSeen      time.Time           `json:"first_seen"`
	LastSeen       time.Time           `json:"last_seen"`
	Description    string              `json:"description,omitempty"`
}

// Key returns the unique record key.
func (ind *Indicator) Key() Key {
	return Key{Value: ind.Value, Kind: ind.Kind}
}

// Clone returns a deep copy so callers can hand records across goroutine
// boundaries without aliasing store-owned state.
func (ind *Indicator) Clone() *Indicator {
	out := *ind
	out.Sources = append([]string(nil), ind.Sources...)
	out.Tags = append([]string(nil), ind.Tags...)
	out.Observations = make([]SourceObservation, len(ind.Observations))
	for i, so := range ind.Observations {
		out.Observations[i] = so
		if so.Details != nil {
			d := make(map[string]any, len(so.Details))
			for k, v := range so.Details {
				d[k] = v
			}
			out.Observations[i].Details = d
		}
	}
	return &out
}

// NewIndicator creates a canonical record from the first observation of a
// (value, kind) pair. The observation must already be normalized.
func NewIndicator(obs Observation, now time.Time) *Indicator {
	ind := &Indicator{
		Value:          obs.Value,
		Kind:           obs.Kind,
		ThreatScore:    obs.Score,
		Classification: Classify(obs.Score),
		Sources:        []string{obs.Source},
		Tags:           unionStrings(nil, obs.Tags),
		FirstSeen:      now,
		LastSeen:       now,
		Description:    obs.Description,
	}
	ind.Observations = append(ind.Observations, snapshot(obs))
	return ind
}

// Merge folds a normalized observation into an existing record and reports
// whether the write materially changed it: a raised threat score or a
// changed classification tier. The threat score only ever rises; sources
// and tags accumulate as set unions; firstSeen is immutable.
func (ind *Indicator) Merge(obs Observation, now time.Time) bool {
	changed := false

	if obs.Score > ind.ThreatScore {
		ind.ThreatScore = obs.Score
		changed = true
	}
	if next := Classify(ind.ThreatScore); next != ind.Classification {
		ind.Classification = next
		changed = true
	}

	ind.Sources = unionStrings(ind.Sources, []string{obs.Source})
	ind.Tags = unionStrings(ind.Tags, obs.Tags)
	ind.Observations = append(ind.Observations, snapshot(obs))
	ind.LastSeen = now
	if obs.Description != "" {
		ind.Description = obs.Description
	}

	return changed
}

// AddTags unions extra tags into the record and reports whether anything
// was actually added.
func (ind *Indicator) AddTags(tags []string) bool {
	before := len(ind.Tags)
	ind.Tags = unionStrings(ind.Tags, tags)
	return len(ind.Tags) != before
}

func snapshot(obs Observation) SourceObservation {
	return SourceObservation{
		Source:         obs.Source,
		Score:          obs.Score,
		Classification: Classify(obs.Score),
		Details:        obs.Details,
		ObservedAt:     obs.ObservedAt,
	}
}

// unionStrings merges b into a with set semantics, returning a sorted slice.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
