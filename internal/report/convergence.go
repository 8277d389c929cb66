// Package report renders fit convergence charts and per-track state plots.
package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/extrack/internal/motility"
	"github.com/banshee-data/extrack/internal/store"
)

// WriteConvergenceHTML renders the improvement history of a fit as an HTML
// page with two line charts: the negative log-likelihood per step, and every
// parameter relative to its value at the first step. Parameters that start
// at zero are drawn unscaled.
func WriteConvergenceHTML(w io.Writer, title string, steps []store.Step) error {
	if len(steps) == 0 {
		return errors.New("no steps to plot")
	}

	x := make([]string, len(steps))
	nll := make([]opts.LineData, len(steps))
	var rel [motility.NumParameters][]opts.LineData
	first := steps[0].Parameters.Vector()
	for i, st := range steps {
		x[i] = strconv.Itoa(st.Step)
		nll[i] = opts.LineData{Value: st.NegLogLikelihood}
		v := st.Parameters.Vector()
		for j := range rel {
			r := v[j]
			if first[j] != 0 {
				r /= first[j]
			}
			rel[j] = append(rel[j], opts.LineData{Value: r})
		}
	}

	nllChart := charts.NewLine()
	nllChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("steps=%d final nll=%.6g", len(steps), steps[len(steps)-1].NegLogLikelihood)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "-log L"}),
	)
	nllChart.SetXAxis(x).AddSeries("nll", nll)

	paramChart := charts.NewLine()
	paramChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Parameters", Subtitle: "relative to the first step"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step", NameLocation: "middle", NameGap: 25}),
	)
	paramChart.SetXAxis(x)
	for j, name := range motility.ParameterNames {
		paramChart.AddSeries(name, rel[j])
	}

	page := components.NewPage()
	page.AddCharts(nllChart, paramChart)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render convergence chart: %w", err)
	}
	return nil
}
