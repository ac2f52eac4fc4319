// Package answer produces deterministic rule-based answers for when the
// conversational backend cannot be reached.
package answer

import (
	"fmt"
	"strings"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// sampleLimit caps how many rows an answer quotes back.
const sampleLimit = 3

// Result is a generated answer with the bucket that produced it.
type Result struct {
	Text     string
	Category string
}

// bucket pairs trigger keywords with an answer lead. Buckets are evaluated in
// order and the first keyword hit wins; the order is a fixed tie-break, not a
// ranking.
type bucket struct {
	category string
	keywords []string
	lead     string // single %d verb, filled with the row count
}

var buckets = []bucket{
	{"totals", []string{"total", "sum"},
		"This looks like a totals question: summing the measure columns over all %d rows gives the figure you're after."},
	{"quantity", []string{"how many", "quantity", "quantities", "count"},
		"This is a quantity question: the loaded data covers %d rows."},
	{"sales", []string{"sales", "revenue"},
		"This is a sales question: the sales figures span %d rows."},
	{"practitioner", []string{"practitioner", "prescriber", "physician", "doctor", "clinician"},
		"This is a practitioner question: practitioner records appear across %d rows."},
	{"average", []string{"average", "mean", "avg"},
		"This is an averages question: averaging the measure columns over the %d rows gives the answer."},
	{"comparison", []string{"compare", "comparison", "versus", "vs", "difference"},
		"This is a comparison question: line the %d rows up on their shared category columns to compare them."},
}

const genericLead = "I can answer questions about totals, quantities, sales, practitioners, averages and comparisons over the %d loaded rows."

// Generate walks the bucket list over the lowercased question and renders the
// first match. Identical question and context always produce the identical
// result.
func Generate(question string, data domain.DataContext) Result {
	lower := strings.ToLower(question)
	for _, b := range buckets {
		for _, kw := range b.keywords {
			if strings.Contains(lower, kw) {
				return Result{Text: render(question, b.lead, data), Category: b.category}
			}
		}
	}
	return Result{Text: render(question, genericLead, data), Category: "general"}
}

func render(question, lead string, data domain.DataContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You asked: %q. ", question)
	fmt.Fprintf(&b, lead, data.RowCount)
	b.WriteString(" ")
	b.WriteString(describeData(data))
	return b.String()
}

func describeData(data domain.DataContext) string {
	if !data.HasData {
		return "No data is currently loaded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The current view holds %d rows across %d columns (%s).",
		data.RowCount, len(data.Columns), strings.Join(data.ColumnNames(), ", "))
	if sample := describeSample(data); sample != "" {
		b.WriteString(" First rows: ")
		b.WriteString(sample)
		b.WriteString(".")
	}
	return b.String()
}

func describeSample(data domain.DataContext) string {
	n := len(data.SampleRows)
	if n > sampleLimit {
		n = sampleLimit
	}
	rows := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if cells := renderRow(data.SampleRows[i], data.Columns); cells != "" {
			rows = append(rows, cells)
		}
	}
	return strings.Join(rows, "; ")
}

// renderRow renders present cells in column order; absent cells are skipped.
func renderRow(row map[string]any, cols []domain.Column) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", c.Name, v))
	}
	return strings.Join(parts, ", ")
}
