// Package scorer computes relevance scores between a routed request and
// candidate workers. Scoring is a pure function of its inputs: the same
// request, candidate, and weight vector always produce the same score and the
// same ranking order.
package scorer

import (
	"sort"
	"strings"

	"synapse/internal/logging"
)

// =============================================================================
// REQUEST AND CANDIDATE SIGNALS
// =============================================================================

// Request describes the work item being routed.
type Request struct {
	Concept string
	Intent  string
	Region  string
}

// Candidate carries the raw signals for one worker-concept pairing, as joined
// by the registry (edge fields) and worker runtime telemetry.
type Candidate struct {
	Worker         string
	Specialization string   // Declared concept specialization
	Intents        []string // Intents the worker declares support for
	Region         string
	Category       string

	Healthy   bool
	Degraded  bool
	LoadRatio float64 // In-flight tasks / capacity, >= 0

	SuccessRate      float64 // Cross-concept historical success in [0,1]
	AvgLatencyMillis float64 // Cross-concept mean latency

	EdgeWeight float64 // Current Hebbian weight of this worker-concept edge
	UsageCount int64   // Edge usage counter, used for tie-breaking
}

// Factors are the six normalized scoring inputs, each in [0,1].
type Factors struct {
	Expertise    float64
	Capability   float64
	Domain       float64
	Performance  float64
	Availability float64
	Hebbian      float64
}

// Scored pairs a candidate with its computed score.
type Scored struct {
	Candidate Candidate
	Score     float64
}

// loadThreshold is the utilization above which a healthy worker is no longer
// considered fully available.
const loadThreshold = 0.8

// latencyCeilingMillis is the latency at which the performance factor's
// latency component bottoms out.
const latencyCeilingMillis = 10_000.0

// =============================================================================
// SCORING
// =============================================================================

// Score computes the weighted relevance score for one set of factors.
// Every factor is clamped to [0,1] before weighting, so the result is
// guaranteed to stay in [0,1] for any valid weight vector.
func Score(w Weights, f Factors) float64 {
	return w.Expertise*clamp01(f.Expertise) +
		w.Capability*clamp01(f.Capability) +
		w.Domain*clamp01(f.Domain) +
		w.Performance*clamp01(f.Performance) +
		w.Availability*clamp01(f.Availability) +
		w.Hebbian*clamp01(f.Hebbian)
}

// Derive converts a candidate's raw signals into normalized factors for the
// given request.
func Derive(req Request, c Candidate) Factors {
	return Factors{
		Expertise:    expertiseMatch(c.Specialization, req.Concept),
		Capability:   capabilityMatch(c.Intents, req.Intent),
		Domain:       domainOverlap(c, req),
		Performance:  performanceFactor(c.SuccessRate, c.AvgLatencyMillis),
		Availability: availabilityFactor(c),
		Hebbian:      c.EdgeWeight,
	}
}

// Rank scores all candidates and sorts them best-first. Ties are broken by
// highest usage count (prefer proven pairings), then lexicographic worker
// name so ranking stays deterministic.
func Rank(w Weights, req Request, candidates []Candidate) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		s := Score(w, Derive(req, c))
		logging.ScorerDebug("candidate %s scored %.4f for concept=%s intent=%s",
			c.Worker, s, req.Concept, req.Intent)
		scored = append(scored, Scored{Candidate: c, Score: s})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Candidate.UsageCount != scored[j].Candidate.UsageCount {
			return scored[i].Candidate.UsageCount > scored[j].Candidate.UsageCount
		}
		return scored[i].Candidate.Worker < scored[j].Candidate.Worker
	})

	return scored
}

// =============================================================================
// FACTOR DERIVATION
// =============================================================================

// expertiseMatch measures similarity between a worker's declared
// specialization and the requested concept using token overlap.
func expertiseMatch(specialization, concept string) float64 {
	spec := strings.ToLower(strings.TrimSpace(specialization))
	con := strings.ToLower(strings.TrimSpace(concept))
	if spec == "" || con == "" {
		return 0
	}
	if spec == con {
		return 1
	}

	specTokens := tokenize(spec)
	conTokens := tokenize(con)
	if len(specTokens) == 0 || len(conTokens) == 0 {
		return 0
	}

	// Jaccard overlap over the token sets.
	inSpec := make(map[string]bool, len(specTokens))
	for _, t := range specTokens {
		inSpec[t] = true
	}
	union := make(map[string]bool, len(specTokens)+len(conTokens))
	for t := range inSpec {
		union[t] = true
	}
	shared := 0
	for _, t := range conTokens {
		if !union[t] {
			union[t] = true
		}
		if inSpec[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(union))
}

// capabilityMatch checks whether the worker declares support for the
// requested intent. A worker with no declared intents is treated as a
// generalist and gets partial credit.
func capabilityMatch(intents []string, intent string) float64 {
	if len(intents) == 0 {
		return 0.5
	}
	want := strings.ToLower(strings.TrimSpace(intent))
	for _, have := range intents {
		if strings.ToLower(strings.TrimSpace(have)) == want {
			return 1
		}
	}
	return 0
}

// domainOverlap measures shared region/category between worker and request.
func domainOverlap(c Candidate, req Request) float64 {
	if req.Region == "" {
		// Region-less requests match any worker at half strength.
		return 0.5
	}
	if strings.EqualFold(c.Region, req.Region) {
		return 1
	}
	// Different region but the worker's category mentions the concept:
	// weak overlap, better than nothing.
	if c.Category != "" && strings.Contains(strings.ToLower(c.Category), strings.ToLower(req.Concept)) {
		return 0.25
	}
	return 0
}

// performanceFactor normalizes the worker's cross-concept history: success
// rate dominates, latency degrades the remainder.
func performanceFactor(successRate, avgLatencyMillis float64) float64 {
	success := clamp01(successRate)
	latency := 1.0
	if avgLatencyMillis > 0 {
		latency = 1.0 - clamp01(avgLatencyMillis/latencyCeilingMillis)
	}
	return 0.7*success + 0.3*latency
}

// availabilityFactor is 1.0 for a healthy worker under the load threshold,
// degraded otherwise.
func availabilityFactor(c Candidate) float64 {
	switch {
	case c.Healthy && c.LoadRatio < loadThreshold:
		return 1
	case c.Healthy:
		return 0.5
	case c.Degraded:
		return 0.25
	default:
		return 0
	}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/' || r == '.'
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
