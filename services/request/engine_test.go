package request_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/request"
)

func standardPool() []request.Executor {
	return []request.Executor{
		{ID: "E1", Specializations: []string{"plumbing"}, Efficiency: 85, ActiveWork: 2, Capacity: 5, Available: true, Active: true},
		{ID: "E2", Specializations: []string{"electrical"}, Efficiency: 78, ActiveWork: 1, Capacity: 6, Available: true, Active: true},
		{ID: "E3", Specializations: []string{"general"}, Efficiency: 92, ActiveWork: 0, Capacity: 4, Available: true, Active: true},
	}
}

func TestPickSpecializationDominates(t *testing.T) {
	e := request.NewEngine(request.Weights{}, 0)
	winner, alternates, err := e.Pick("plumbing", standardPool())
	require.NoError(t, err)
	require.Equal(t, "E1", winner.ExecutorID)
	require.True(t, winner.SpecMatch)
	require.Len(t, alternates, 2)
	require.Equal(t, "E3", alternates[0].ExecutorID)
	require.Equal(t, "E2", alternates[1].ExecutorID)
}

func TestScoreFactors(t *testing.T) {
	e := request.NewEngine(request.Weights{}, 0)
	cs, ok := e.Score("plumbing", standardPool()[0])
	require.True(t, ok)
	require.InDelta(t, 1.0, cs.Specialization, 1e-9)
	require.InDelta(t, 0.85, cs.Efficiency, 1e-9)
	require.InDelta(t, 0.6, cs.Workload, 1e-9)
	require.InDelta(t, 1.0, cs.Availability, 1e-9)
	require.InDelta(t, 0.875, cs.Total, 1e-9)
}

func TestScoreWorkloadFloorAndCap(t *testing.T) {
	e := request.NewEngine(request.Weights{}, 0)

	nearlyFull := request.Executor{ID: "x", Efficiency: 50, ActiveWork: 19, Capacity: 20, Available: true, Active: true}
	cs, ok := e.Score("", nearlyFull)
	require.True(t, ok)
	require.InDelta(t, 0.1, cs.Workload, 1e-9)

	atCap := request.Executor{ID: "y", Efficiency: 50, ActiveWork: 5, Capacity: 5, Available: true, Active: true}
	_, ok = e.Score("", atCap)
	require.False(t, ok)

	inactive := request.Executor{ID: "z", Efficiency: 50, ActiveWork: 0, Capacity: 5, Available: true}
	_, ok = e.Score("", inactive)
	require.False(t, ok)
}

func TestRankDiscardsBelowFloor(t *testing.T) {
	e := request.NewEngine(request.Weights{}, 0.5)
	pool := []request.Executor{
		// 0.4*0.5 + 0.3*0 + 0.2*1 + 0.1*0 = 0.40, below the 0.5 floor.
		{ID: "low", Specializations: nil, Efficiency: 0, ActiveWork: 0, Capacity: 5, Available: false, Active: true},
		{ID: "high", Specializations: []string{"general"}, Efficiency: 90, ActiveWork: 0, Capacity: 5, Available: true, Active: true},
	}
	ranked := e.Rank("heating", pool)
	require.Len(t, ranked, 1)
	require.Equal(t, "high", ranked[0].ExecutorID)
}

func TestRankTieBreaks(t *testing.T) {
	e := request.NewEngine(request.Weights{}, 0)
	// Identical profiles differ only in id; order must be ascending.
	pool := []request.Executor{
		{ID: "b", Specializations: []string{"plumbing"}, Efficiency: 80, ActiveWork: 1, Capacity: 4, Available: true, Active: true},
		{ID: "a", Specializations: []string{"plumbing"}, Efficiency: 80, ActiveWork: 1, Capacity: 4, Available: true, Active: true},
	}
	ranked := e.Rank("plumbing", pool)
	require.Len(t, ranked, 2)
	require.Equal(t, "a", ranked[0].ExecutorID)
	require.Equal(t, "b", ranked[1].ExecutorID)
}

func TestPickEmptyPool(t *testing.T) {
	e := request.NewEngine(request.Weights{}, 0)
	_, _, err := e.Pick("plumbing", nil)
	require.Error(t, err)
}
