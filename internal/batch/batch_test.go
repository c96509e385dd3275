package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(ref string, size int64) Unit {
	return Unit{Ref: ref, Sources: []string{ref}, Bytes: size}
}

func TestBuildPlanRespectsBudget(t *testing.T) {
	const mb = int64(1024 * 1024)
	units := []Unit{unit("a.pdf", 3*mb), unit("b.pdf", 4*mb)}

	plan, err := BuildPlan(units, 5*mb)
	require.NoError(t, err)

	require.Len(t, plan.Batches, 2)
	assert.Equal(t, "a.pdf", plan.Batches[0].Units[0].Ref)
	assert.Equal(t, "b.pdf", plan.Batches[1].Units[0].Ref)
	for _, b := range plan.Batches {
		assert.LessOrEqual(t, b.Bytes, 5*mb)
	}
}

func TestBuildPlanPacksUntilBudget(t *testing.T) {
	units := []Unit{unit("a", 40), unit("b", 40), unit("c", 30), unit("d", 10)}

	plan, err := BuildPlan(units, 100)
	require.NoError(t, err)

	require.Len(t, plan.Batches, 2)
	assert.Len(t, plan.Batches[0].Units, 2) // a+b=80, c would make 110
	assert.Len(t, plan.Batches[1].Units, 2) // c+d=40
	assert.Empty(t, plan.OversizedUnits())
}

func TestBuildPlanOversizedUnitGetsOwnBatch(t *testing.T) {
	units := []Unit{unit("small", 10), unit("huge", 500), unit("tail", 10)}

	plan, err := BuildPlan(units, 100)
	require.NoError(t, err)

	require.Len(t, plan.Batches, 3)
	assert.True(t, plan.Batches[1].Oversized(100))
	oversized := plan.OversizedUnits()
	require.Len(t, oversized, 1)
	assert.Equal(t, "huge", oversized[0].Ref)
	// The oversized unit is carried, never dropped.
	var total int
	for _, b := range plan.Batches {
		total += len(b.Units)
	}
	assert.Equal(t, len(units), total)
}

func TestBuildPlanConservation(t *testing.T) {
	var units []Unit
	sizes := []int64{7, 93, 1, 250, 42, 42, 42, 99, 100, 3}
	for i, s := range sizes {
		units = append(units, unit(string(rune('a'+i)), s))
	}

	plan, err := BuildPlan(units, 100)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, b := range plan.Batches {
		for _, u := range b.Units {
			seen[u.Ref]++
		}
		if len(b.Units) > 1 {
			assert.LessOrEqual(t, b.Bytes, int64(100))
		}
	}
	require.Len(t, seen, len(units))
	for ref, n := range seen {
		assert.Equalf(t, 1, n, "unit %s placed %d times", ref, n)
	}
}

func TestBuildPlanRejectsNonPositiveBudget(t *testing.T) {
	_, err := BuildPlan([]Unit{unit("a", 1)}, 0)
	assert.Error(t, err)
}

func TestEstimateCountMatchesPlan(t *testing.T) {
	cases := []struct {
		name   string
		sizes  []int64
		budget int64
	}{
		{"empty", nil, 100},
		{"single", []int64{10}, 100},
		{"exact fit", []int64{50, 50}, 100},
		{"split", []int64{60, 60}, 100},
		{"oversized", []int64{10, 500, 10}, 100},
		{"many", []int64{30, 30, 30, 30, 30, 30, 30}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var units []Unit
			for i, s := range tc.sizes {
				units = append(units, unit(string(rune('a'+i)), s))
			}
			plan, err := BuildPlan(units, tc.budget)
			require.NoError(t, err)
			assert.Equal(t, len(plan.Batches), EstimateCount(units, tc.budget))
		})
	}
}

func TestBuildPlanDeterministic(t *testing.T) {
	units := []Unit{unit("a", 33), unit("b", 33), unit("c", 33), unit("d", 33)}
	first, err := BuildPlan(units, 100)
	require.NoError(t, err)
	second, err := BuildPlan(units, 100)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "invoices_pdfs_batch1", OutputName("invoices", "pdfs", 1))
	assert.Equal(t, "root_documents_batch12", OutputName("root", "documents", 12))
}
