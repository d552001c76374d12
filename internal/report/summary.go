// Package report summarises trial history: latency statistics, CSV export
// and an HTML latency chart.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/history"
)

// Summary describes a set of trial records. Latency statistics cover
// successful trials only and are zero when there are none.
type Summary struct {
	Trials      int        `json:"trials"`
	Successes   int        `json:"successes"`
	SuccessRate float64    `json:"success_rate"`
	Distinct    int        `json:"distinct_candidates"`
	MeanLatency float64    `json:"mean_latency_seconds"`
	StdDev      float64    `json:"stddev_latency_seconds"`
	Median      float64    `json:"median_latency_seconds"`
	P90         float64    `json:"p90_latency_seconds"`
	MinLatency  float64    `json:"min_latency_seconds"`
	MaxLatency  float64    `json:"max_latency_seconds"`
	Best        string     `json:"best,omitempty"`
	LastTested  *time.Time `json:"last_tested,omitempty"`
	Top         []Ranked   `json:"top,omitempty"`
}

// Ranked is a candidate with its fastest successful latency.
type Ranked struct {
	Params         string  `json:"params"`
	LatencySeconds float64 `json:"latency_seconds"`
	Successes      int     `json:"successes"`
}

// DefaultTopN is how many ranked candidates Summarize keeps.
const DefaultTopN = 5

// Summarize computes a Summary over h.
func Summarize(h history.History) Summary {
	s := Summary{Trials: len(h.Records)}
	if h.LastTested != nil {
		t := *h.LastTested
		s.LastTested = &t
	}

	var lat []float64
	seen := make(map[string]bool)
	best := make(map[string]*Ranked)
	for _, r := range h.Records {
		key := r.Candidate.Key()
		seen[key] = true
		if !r.Success {
			continue
		}
		s.Successes++
		sec := r.Latency.Seconds()
		lat = append(lat, sec)
		if b, ok := best[key]; ok {
			b.Successes++
			b.LatencySeconds = math.Min(b.LatencySeconds, sec)
		} else {
			best[key] = &Ranked{Params: key, LatencySeconds: sec, Successes: 1}
		}
	}
	s.Distinct = len(seen)
	if s.Trials > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Trials)
	}

	if len(lat) > 0 {
		sort.Float64s(lat)
		s.MeanLatency = stat.Mean(lat, nil)
		if len(lat) > 1 {
			s.StdDev = stat.StdDev(lat, nil)
		}
		s.Median = stat.Quantile(0.5, stat.Empirical, lat, nil)
		s.P90 = stat.Quantile(0.9, stat.Empirical, lat, nil)
		s.MinLatency = lat[0]
		s.MaxLatency = lat[len(lat)-1]
	}

	ranked := make([]Ranked, 0, len(best))
	for _, r := range best {
		ranked = append(ranked, *r)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].LatencySeconds != ranked[j].LatencySeconds {
			return ranked[i].LatencySeconds < ranked[j].LatencySeconds
		}
		return ranked[i].Params < ranked[j].Params
	})
	if len(ranked) > DefaultTopN {
		ranked = ranked[:DefaultTopN]
	}
	s.Top = ranked
	if len(ranked) > 0 {
		s.Best = ranked[0].Params
	}
	return s
}

// BestCandidate returns the fastest successful candidate in h.
func BestCandidate(h history.History) (candidate.Candidate, time.Duration, bool) {
	var (
		best  candidate.Candidate
		lat   time.Duration
		found bool
	)
	for _, r := range h.Records {
		if r.Success && (!found || r.Latency < lat) {
			best, lat, found = r.Candidate, r.Latency, true
		}
	}
	return best, lat, found
}

// WriteText prints s as an aligned table.
func WriteText(w io.Writer, s Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "trials\t%d\n", s.Trials)
	fmt.Fprintf(tw, "successes\t%d (%.0f%%)\n", s.Successes, s.SuccessRate*100)
	fmt.Fprintf(tw, "distinct candidates\t%d\n", s.Distinct)
	if s.LastTested != nil {
		fmt.Fprintf(tw, "last tested\t%s\n", s.LastTested.Local().Format(time.DateTime))
	}
	if s.Successes > 0 {
		fmt.Fprintf(tw, "latency mean/stddev\t%.2fs / %.2fs\n", s.MeanLatency, s.StdDev)
		fmt.Fprintf(tw, "latency median/p90\t%.2fs / %.2fs\n", s.Median, s.P90)
		fmt.Fprintf(tw, "latency min/max\t%.2fs / %.2fs\n", s.MinLatency, s.MaxLatency)
		fmt.Fprintf(tw, "best\t%s\n", s.Best)
	} else {
		fmt.Fprintf(tw, "best\t(no working configuration)\n")
	}
	if len(s.Top) > 1 {
		fmt.Fprintf(tw, "\nrank\tlatency\tok\tparams\n")
		for i, r := range s.Top {
			fmt.Fprintf(tw, "%d\t%.2fs\t%d\t%s\n", i+1, r.LatencySeconds, r.Successes, r.Params)
		}
	}
	return tw.Flush()
}
