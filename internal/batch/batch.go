// Package batch implements the size-constrained partitioning shared by every
// output category. Units are accumulated greedily in input order; a unit that
// alone exceeds the budget gets a dedicated batch rather than being dropped
// or split.
package batch

import "fmt"

// Unit is one weighted item to place into a batch: a PDF file, a converted
// document, or a rendered email thread block. Sources point back at the input
// files the unit was derived from.
type Unit struct {
	Ref     string
	Sources []string
	Bytes   int64
}

// Batch is one planned output file.
type Batch struct {
	Units []Unit
	Bytes int64
}

// Oversized returns true when the batch holds a single unit whose weight
// exceeds the budget it was planned under.
func (b Batch) Oversized(budget int64) bool {
	return len(b.Units) == 1 && b.Bytes > budget
}

// Plan is the ordered partition of a unit sequence for one group/category.
type Plan struct {
	Budget  int64
	Batches []Batch
}

// OversizedUnits lists the units that were placed alone because they exceed
// the budget, in plan order.
func (p Plan) OversizedUnits() []Unit {
	var out []Unit
	for _, b := range p.Batches {
		if b.Oversized(p.Budget) {
			out = append(out, b.Units[0])
		}
	}
	return out
}

// BuildPlan partitions units in order against the byte budget. The result is
// deterministic for a given input sequence: batches are closed exactly when
// the next unit would push the running total past the budget.
func BuildPlan(units []Unit, budget int64) (Plan, error) {
	if budget <= 0 {
		return Plan{}, fmt.Errorf("batch budget must be positive, got %d", budget)
	}
	plan := Plan{Budget: budget}
	var current Batch
	for _, unit := range units {
		if len(current.Units) > 0 && current.Bytes+unit.Bytes > budget {
			plan.Batches = append(plan.Batches, current)
			current = Batch{}
		}
		current.Units = append(current.Units, unit)
		current.Bytes += unit.Bytes
	}
	if len(current.Units) > 0 {
		plan.Batches = append(plan.Batches, current)
	}
	return plan, nil
}

// EstimateCount returns how many batches a unit sequence will need without
// building the plan. Used for the output-ceiling preflight so the run can
// stop before writing files past the limit.
func EstimateCount(units []Unit, budget int64) int {
	if len(units) == 0 || budget <= 0 {
		return 0
	}
	count := 1
	var current int64
	var n int
	for _, unit := range units {
		if n > 0 && current+unit.Bytes > budget {
			count++
			current = 0
			n = 0
		}
		current += unit.Bytes
		n++
	}
	return count
}

// OutputName formats the canonical batch file name for a group and category,
// e.g. "invoices_pdfs_batch2". The extension is appended by the writer.
func OutputName(group, label string, number int) string {
	return fmt.Sprintf("%s_%s_batch%d", group, label, number)
}
