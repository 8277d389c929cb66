package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/extrack/internal/motility"
)

var (
	diffusiveColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255}
	stepColor      = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255}
)

// SaveTrackPNG plots P(diffusive) per localization of tr together with the
// step length into each localization, scaled to the longest step.
func SaveTrackPNG(path string, tr motility.Track, probs []motility.StateProbability) error {
	if len(probs) != tr.Len() {
		return fmt.Errorf("track %d has %d localizations but %d predictions", tr.ID, tr.Len(), len(probs))
	}
	if tr.Len() == 0 {
		return fmt.Errorf("track %d is empty", tr.ID)
	}

	pDiff := make(plotter.XYs, len(probs))
	for i, sp := range probs {
		pDiff[i] = plotter.XY{X: float64(i), Y: sp.Diffusive}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Track %d", tr.ID)
	p.X.Label.Text = "Localization"
	p.Y.Label.Text = "P(diffusive) / relative step"
	p.Y.Min = 0
	p.Y.Max = 1.05

	line, points, err := plotter.NewLinePoints(pDiff)
	if err != nil {
		return err
	}
	line.Color = diffusiveColor
	line.Width = vg.Points(1.5)
	points.Color = diffusiveColor
	p.Add(line, points)
	p.Legend.Add("P(diffusive)", line, points)

	if tr.Len() > 1 {
		steps := make(plotter.XYs, tr.Len()-1)
		var longest float64
		for i := 1; i < tr.Len(); i++ {
			a, b := tr.Points[i-1], tr.Points[i]
			d := math.Hypot(b.X-a.X, b.Y-a.Y)
			steps[i-1] = plotter.XY{X: float64(i), Y: d}
			longest = math.Max(longest, d)
		}
		if longest > 0 {
			for i := range steps {
				steps[i].Y /= longest
			}
		}
		stepLine, err := plotter.NewLine(steps)
		if err != nil {
			return err
		}
		stepLine.Color = stepColor
		stepLine.Width = vg.Points(1)
		stepLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(stepLine)
		p.Legend.Add("step / longest", stepLine)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save track plot: %w", err)
	}
	return nil
}
