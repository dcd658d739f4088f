package reporting

import (
	"encoding/csv"
	"strconv"
	"strings"
)

var csvHeader = []string{
	"position_id", "start_event_id", "end_event_id", "start_timestamp", "end_timestamp",
	"duration_seconds", "event_count", "cost_basis", "fees", "apr_bps", "apr_percent",
}

// RenderCSV renders the report's periods as CSV, one row per period.
func RenderCSV(r *Report) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	_ = w.Write(csvHeader)
	for _, p := range r.Periods {
		_ = w.Write([]string{
			r.Position.ID,
			p.StartEventID,
			p.EndEventID,
			strconv.FormatInt(p.StartTimestamp, 10),
			strconv.FormatInt(p.EndTimestamp, 10),
			strconv.FormatInt(p.DurationSeconds, 10),
			strconv.Itoa(p.EventCount),
			p.CostBasis,
			p.Fees,
			strconv.FormatInt(p.AprBps, 10),
			p.AprPercent,
		})
	}
	w.Flush()

	return sb.String()
}
