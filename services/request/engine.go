package request

import (
	"context"
	"sort"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

// generalSpecialization is the fallback specialization an executor may
// carry instead of a category-specific one.
const generalSpecialization = "general"

type (
	// Executor is the profile slice the engine scores. The User service
	// owns the profile; the engine consumes a short-TTL DTO.
	Executor struct {
		ID              string
		Specializations []string
		// Efficiency is the executor's efficiency metric on a 0-100 scale.
		Efficiency float64
		ActiveWork int
		Capacity   int
		Available  bool
		Active     bool
	}

	// CandidateScore is one executor's scored candidacy.
	CandidateScore struct {
		ExecutorID string
		Total      float64
		// Per-factor scores, each in [0,1].
		Specialization float64
		Efficiency     float64
		Workload       float64
		Availability   float64
		// SpecMatch reports whether the required category matched a
		// specialization directly.
		SpecMatch bool
	}

	// Weights are the scoring factor weights. They must sum to 1.
	Weights struct {
		Specialization float64
		Efficiency     float64
		Workload       float64
		Availability   float64
	}

	// Directory supplies executor profiles. Unavailability must surface as
	// an error: the engine never assigns on stale guesses.
	Directory interface {
		Executors(ctx context.Context, category string) ([]Executor, error)
		Executor(ctx context.Context, id string) (Executor, error)
	}

	// Engine ranks candidate executors for a work order.
	Engine struct {
		weights Weights
		floor   float64
	}
)

// DefaultWeights is the production factor weighting.
var DefaultWeights = Weights{
	Specialization: 0.40,
	Efficiency:     0.30,
	Workload:       0.20,
	Availability:   0.10,
}

// DefaultFloor discards candidates scoring below it.
const DefaultFloor = 0.30

// NewEngine returns an Engine. Zero weights select the defaults.
func NewEngine(w Weights, floor float64) *Engine {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	if floor <= 0 {
		floor = DefaultFloor
	}
	return &Engine{weights: w, floor: floor}
}

// Score computes one candidate's score for the category. Infeasible
// candidates (inactive, at capacity) return ok=false.
func (e *Engine) Score(category string, x Executor) (CandidateScore, bool) {
	if !x.Active || x.Capacity <= 0 || x.ActiveWork >= x.Capacity {
		return CandidateScore{}, false
	}

	cs := CandidateScore{ExecutorID: x.ID}
	cs.Specialization = 0.5
	for _, s := range x.Specializations {
		if category != "" && s == category {
			cs.Specialization = 1.0
			cs.SpecMatch = true
			break
		}
		if s == generalSpecialization {
			cs.Specialization = 0.7
		}
	}

	cs.Efficiency = clamp01(x.Efficiency / 100)
	cs.Workload = 1 - float64(x.ActiveWork)/float64(x.Capacity)
	if cs.Workload < 0.1 {
		cs.Workload = 0.1
	}
	if x.Available {
		cs.Availability = 1.0
	}

	cs.Total = clamp01(e.weights.Specialization*cs.Specialization +
		e.weights.Efficiency*cs.Efficiency +
		e.weights.Workload*cs.Workload +
		e.weights.Availability*cs.Availability)
	return cs, true
}

// Rank scores the pool for the category and returns the eligible candidates
// best first. Candidates below the floor are discarded. Ties break on
// specialization match, then workload score, then executor id ascending.
func (e *Engine) Rank(category string, pool []Executor) []CandidateScore {
	out := make([]CandidateScore, 0, len(pool))
	for _, x := range pool {
		cs, ok := e.Score(category, x)
		if !ok || cs.Total < e.floor {
			continue
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.SpecMatch != b.SpecMatch {
			return a.SpecMatch
		}
		if a.Workload != b.Workload {
			return a.Workload > b.Workload
		}
		return a.ExecutorID < b.ExecutorID
	})
	return out
}

// Pick ranks the pool and splits the winner from up to three alternates.
func (e *Engine) Pick(category string, pool []Executor) (CandidateScore, []CandidateScore, error) {
	ranked := e.Rank(category, pool)
	if len(ranked) == 0 {
		return CandidateScore{}, nil, fault.New(fault.KindValidation, "no eligible executor for assignment")
	}
	alternates := ranked[1:]
	if len(alternates) > 3 {
		alternates = alternates[:3]
	}
	return ranked[0], alternates, nil
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
