// Package datactx turns a visualization host's view payload into the compact
// data context that travels with every question.
package datactx

import (
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// maxSampleRows caps the sample carried in a data context.
const maxSampleRows = 10

// Series is one field of the host view with its per-row values.
type Series struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

// HostView mirrors the payload a host hands the bridge on each data update:
// the category field series followed by the measure field series, all aligned
// by row position.
type HostView struct {
	FileName    string   `json:"fileName,omitempty"`
	ReportTitle string   `json:"reportTitle,omitempty"`
	Categories  []Series `json:"categories"`
	Measures    []Series `json:"measures"`
}

// Extract flattens a host view into a data context. Columns keep the host's
// order (categories, then measures), the row count follows the first series,
// and the sample holds at most the first ten rows with missing cells omitted.
// An empty view yields HasData=false with empty columns and sample.
func Extract(view HostView) domain.DataContext {
	dc := domain.DataContext{
		FileName:    view.FileName,
		ReportTitle: view.ReportTitle,
		Columns:     []domain.Column{},
		SampleRows:  []map[string]any{},
		ExtractedAt: time.Now().UTC(),
	}

	series := make([]Series, 0, len(view.Categories)+len(view.Measures))
	for _, s := range view.Categories {
		dc.Columns = append(dc.Columns, domain.Column{Name: s.Name, Kind: domain.ColumnCategory})
		series = append(series, s)
	}
	for _, s := range view.Measures {
		dc.Columns = append(dc.Columns, domain.Column{Name: s.Name, Kind: domain.ColumnMeasure})
		series = append(series, s)
	}
	if len(series) == 0 {
		return dc
	}

	dc.RowCount = len(series[0].Values)
	dc.HasData = dc.RowCount > 0

	limit := dc.RowCount
	if limit > maxSampleRows {
		limit = maxSampleRows
	}
	for i := 0; i < limit; i++ {
		row := make(map[string]any, len(series))
		for j, s := range series {
			if i < len(s.Values) {
				row[dc.Columns[j].Name] = s.Values[i]
			}
		}
		dc.SampleRows = append(dc.SampleRows, row)
	}
	return dc
}
