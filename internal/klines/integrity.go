package klines

import "backtestd/internal/market"

// Gap is a run of missing grid slots, both ends inclusive open times.
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type IntegrityReport struct {
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps,omitempty"`
}

func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0 && r.Present >= r.Expected
}

// buildReport expects present sorted ascending and aligned to tf.
func buildReport(tf market.Timeframe, start, end int64, present []int64) IntegrityReport {
	step := tf.DurationMillis()
	report := IntegrityReport{
		Start:    start,
		End:      end,
		Expected: tf.ExpectedKlines(start, end),
		Present:  int64(len(present)),
	}
	if step <= 0 || end < start {
		return report
	}
	cursor := start
	for _, ts := range present {
		if ts < cursor {
			continue
		}
		if ts > cursor {
			report.Gaps = append(report.Gaps, Gap{From: cursor, To: ts - step})
		}
		cursor = ts + step
	}
	if cursor <= end {
		report.Gaps = append(report.Gaps, Gap{From: cursor, To: end})
	}
	return report
}
