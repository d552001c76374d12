package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/ciadpi-tray/autosearch/internal/history"
)

// LatencyChart plots trial latency over time, oldest first. records are
// expected newest first, as the history store returns them.
func LatencyChart(records []history.Record) *charts.Line {
	n := len(records)
	xs := make([]string, 0, n)
	ok := make([]opts.LineData, 0, n)
	failed := make([]opts.LineData, 0, n)
	for i := n - 1; i >= 0; i-- {
		r := records[i]
		xs = append(xs, r.Timestamp.Local().Format(time.DateTime))
		v := opts.LineData{Value: r.Latency.Seconds(), Name: r.Candidate.Key()}
		// "-" leaves a gap in the series.
		gap := opts.LineData{Value: "-"}
		if r.Success {
			ok = append(ok, v)
			failed = append(failed, gap)
		} else {
			ok = append(ok, gap)
			failed = append(failed, v)
		}
	}

	s := Summarize(history.History{Records: records})
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "autosearch history", Width: "1100px", Height: "560px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Trial latency",
			Subtitle: fmt.Sprintf("trials=%d ok=%d median=%.2fs", s.Trials, s.Successes, s.Median),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "item"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds", NameLocation: "middle", NameGap: 35}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(xs).
		AddSeries("success", ok, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})).
		AddSeries("failure", failed, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	return line
}

// RenderChart writes the latency chart as a standalone HTML page.
func RenderChart(w io.Writer, records []history.Record) error {
	if err := LatencyChart(records).Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}
