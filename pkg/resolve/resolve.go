// Package resolve maps free-form joint names, as produced by a planner, onto
// the joints a model actually has.
package resolve

import (
	"sort"
	"strings"

	"github.com/teslashibe/go-mechaverse/pkg/joint"
)

// Reason explains how a name was (or was not) resolved.
type Reason string

const (
	ReasonExplicitMap     Reason = "explicit-map"
	ReasonExact           Reason = "exact"
	ReasonNormalizedExact Reason = "normalized-exact"
	ReasonIncludes        Reason = "includes"
	ReasonSimilarity      Reason = "similarity"
	ReasonBelowThreshold  Reason = "below-threshold"
	ReasonAmbiguous       Reason = "ambiguous"
)

// Confidence assigned to the non-similarity stages
const (
	ConfidenceExact           = 1.0
	ConfidenceNormalizedExact = 0.98
	ConfidenceIncludes        = 0.85
)

// Similarity weights
const (
	tokenWeight = 0.6
	editWeight  = 0.4
)

// Policy holds the similarity acceptance rules.
type Policy struct {
	// Threshold is the lowest similarity score accepted.
	Threshold float64 `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	// Margin is the minimum gap between the two best scores.
	Margin float64 `json:"margin" yaml:"margin" mapstructure:"margin"`
	// MaxCandidates bounds Result.Candidates.
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates" mapstructure:"max_candidates"`
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:     0.78,
		Margin:        0.03,
		MaxCandidates: 5,
	}
}

// Candidate is a scored joint.
type Candidate struct {
	Joint string  `json:"joint"`
	Score float64 `json:"score"`
}

// Result is the outcome of one resolution. Joint is empty when nothing was
// picked.
type Result struct {
	Requested  string      `json:"requested"`
	Joint      string      `json:"joint,omitempty"`
	Confidence float64     `json:"confidence"`
	Reason     Reason      `json:"reason"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// OK reports whether a joint was picked.
func (r Result) OK() bool {
	return r.Joint != ""
}

// Resolver resolves names against a live joint set.
type Resolver struct {
	joints   joint.Lister
	explicit map[string]string
	policy   Policy
}

// New creates a resolver. The explicit map takes precedence over every other
// stage; its keys may be written raw, lowercased or normalized.
func New(joints joint.Lister, explicit map[string]string, policy Policy) *Resolver {
	if policy.MaxCandidates <= 0 {
		policy.MaxCandidates = DefaultPolicy().MaxCandidates
	}
	return &Resolver{
		joints:   joints,
		explicit: indexExplicit(explicit),
		policy:   policy,
	}
}

// Policy returns the acceptance rules in use.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve resolves name using the resolver's explicit map.
func (r *Resolver) Resolve(name string) Result {
	return r.resolve(name, r.explicit)
}

// ResolveWith resolves name with an additional explicit map that is consulted
// before the resolver's own.
func (r *Resolver) ResolveWith(name string, explicit map[string]string) Result {
	if len(explicit) == 0 {
		return r.Resolve(name)
	}
	merged := indexExplicit(explicit)
	for k, v := range r.explicit {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return r.resolve(name, merged)
}

func (r *Resolver) resolve(name string, explicit map[string]string) Result {
	live := r.joints.Joints()
	res := Result{Requested: name}

	set := make(map[string]struct{}, len(live))
	for _, j := range live {
		set[j] = struct{}{}
	}

	norm := Normalize(name)
	for _, key := range []string{name, strings.ToLower(name), norm} {
		if target, ok := explicit[key]; ok {
			if _, found := set[target]; found {
				return hit(res, target, ConfidenceExact, ReasonExplicitMap)
			}
		}
	}

	if _, ok := set[name]; ok {
		return hit(res, name, ConfidenceExact, ReasonExact)
	}

	normalized := make([]string, len(live))
	for i, j := range live {
		normalized[i] = Normalize(j)
	}

	if norm != "" {
		for i, n := range normalized {
			if n == norm {
				return hit(res, live[i], ConfidenceNormalizedExact, ReasonNormalizedExact)
			}
		}

		var containing []Candidate
		for i, n := range normalized {
			if n == "" {
				continue
			}
			if strings.Contains(n, norm) || strings.Contains(norm, n) {
				containing = append(containing, Candidate{Joint: live[i], Score: ConfidenceIncludes})
			}
		}
		switch {
		case len(containing) == 1:
			return hit(res, containing[0].Joint, ConfidenceIncludes, ReasonIncludes)
		case len(containing) > 1:
			res.Reason = ReasonAmbiguous
			res.Confidence = ConfidenceIncludes
			res.Candidates = r.top(containing)
			return res
		}
	}

	scored := make([]Candidate, len(live))
	for i := range live {
		scored[i] = Candidate{Joint: live[i], Score: Similarity(norm, normalized[i])}
	}
	sort.SliceStable(scored, func(a, b int) bool {
		return scored[a].Score > scored[b].Score
	})
	res.Candidates = r.top(scored)

	if len(scored) == 0 || scored[0].Score < r.policy.Threshold {
		res.Reason = ReasonBelowThreshold
		if len(scored) > 0 {
			res.Confidence = scored[0].Score
		}
		return res
	}
	res.Confidence = scored[0].Score
	if len(scored) > 1 && scored[0].Score-scored[1].Score < r.policy.Margin {
		res.Reason = ReasonAmbiguous
		return res
	}
	res.Joint = scored[0].Joint
	res.Reason = ReasonSimilarity
	return res
}

func (r *Resolver) top(c []Candidate) []Candidate {
	if len(c) > r.policy.MaxCandidates {
		c = c[:r.policy.MaxCandidates]
	}
	return append([]Candidate(nil), c...)
}

func hit(res Result, name string, confidence float64, reason Reason) Result {
	res.Joint = name
	res.Confidence = confidence
	res.Reason = reason
	return res
}

// indexExplicit adds lowercased and normalized forms of every key. Raw keys
// win over derived ones; derived collisions go to the smallest raw key.
func indexExplicit(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)*3)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
		out[k] = m[k]
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, derived := range []string{strings.ToLower(k), Normalize(k)} {
			if derived == "" {
				continue
			}
			if _, ok := out[derived]; !ok {
				out[derived] = m[k]
			}
		}
	}
	return out
}
