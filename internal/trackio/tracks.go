// Package trackio reads and writes track collections and per-localization
// predictions.
package trackio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/extrack/internal/motility"
)

// Column order of the tables read by ReadNPY.
const (
	ColX = iota
	ColY
	ColFrame
	ColTrackID
	numCols
)

type row struct {
	id    int
	frame float64
	p     motility.Point
}

// groupRows splits rows into tracks keyed by id, in first-seen order, with
// each track's points sorted by frame.
func groupRows(rows []row) []motility.Track {
	index := make(map[int]int)
	var frames [][]float64
	var tracks []motility.Track
	for _, r := range rows {
		i, ok := index[r.id]
		if !ok {
			i = len(tracks)
			index[r.id] = i
			tracks = append(tracks, motility.Track{ID: r.id})
			frames = append(frames, nil)
		}
		tracks[i].Points = append(tracks[i].Points, r.p)
		frames[i] = append(frames[i], r.frame)
	}
	for i := range tracks {
		sort.Stable(byFrame{frames: frames[i], points: tracks[i].Points})
	}
	return tracks
}

type byFrame struct {
	frames []float64
	points []motility.Point
}

func (b byFrame) Len() int           { return len(b.frames) }
func (b byFrame) Less(i, j int) bool { return b.frames[i] < b.frames[j] }
func (b byFrame) Swap(i, j int) {
	b.frames[i], b.frames[j] = b.frames[j], b.frames[i]
	b.points[i], b.points[j] = b.points[j], b.points[i]
}

func trackID(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || math.Abs(v) > 1<<53 {
		return 0, fmt.Errorf("track id %v is not an integer", v)
	}
	return int(v), nil
}

func checkPoint(p motility.Point) error {
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		return fmt.Errorf("position (%v, %v) is not finite", p.X, p.Y)
	}
	return nil
}

// Load reads a track file, picking the format from the extension.
func Load(path string) ([]motility.Track, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".npy":
		return LoadNPY(path)
	case ".csv":
		return LoadCSV(path)
	default:
		return nil, fmt.Errorf("unsupported track file extension %q (want .npy or .csv)", ext)
	}
}

// Save writes tracks to path, picking the format from the extension.
func Save(path string, tracks []motility.Track) error {
	var write func(io.Writer, []motility.Track) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".npy":
		write = WriteNPY
	case ".csv":
		write = WriteTracksCSV
	default:
		return fmt.Errorf("unsupported track file extension %q (want .npy or .csv)", ext)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create tracks: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := write(w, tracks); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// FilterMinLength keeps tracks with at least n localizations and reports how
// many were dropped.
func FilterMinLength(tracks []motility.Track, n int) ([]motility.Track, int) {
	kept := make([]motility.Track, 0, len(tracks))
	for _, tr := range tracks {
		if tr.Len() >= n {
			kept = append(kept, tr)
		}
	}
	return kept, len(tracks) - len(kept)
}

// Summary describes a track collection.
type Summary struct {
	Tracks     int     `json:"tracks"`
	Points     int     `json:"points"`
	MeanLength float64 `json:"mean_length"`
	StdLength  float64 `json:"std_length"`
	MinLength  int     `json:"min_length"`
	MaxLength  int     `json:"max_length"`
	// Step statistics are over the 2D displacement norms between
	// consecutive localizations.
	MeanStep   float64 `json:"mean_step"`
	MedianStep float64 `json:"median_step"`
}

// Summarize computes length and step statistics.
func Summarize(tracks []motility.Track) Summary {
	s := Summary{Tracks: len(tracks)}
	if len(tracks) == 0 {
		return s
	}
	lengths := make([]float64, len(tracks))
	var steps []float64
	s.MinLength = math.MaxInt
	for i, tr := range tracks {
		n := tr.Len()
		lengths[i] = float64(n)
		s.Points += n
		s.MinLength = min(s.MinLength, n)
		s.MaxLength = max(s.MaxLength, n)
		for j := 1; j < n; j++ {
			a, b := tr.Points[j-1], tr.Points[j]
			steps = append(steps, math.Hypot(b.X-a.X, b.Y-a.Y))
		}
	}
	if len(tracks) > 1 {
		s.MeanLength, s.StdLength = stat.MeanStdDev(lengths, nil)
	} else {
		s.MeanLength = lengths[0]
	}
	if len(steps) > 0 {
		s.MeanStep = stat.Mean(steps, nil)
		sort.Float64s(steps)
		s.MedianStep = stat.Quantile(0.5, stat.Empirical, steps, nil)
	}
	return s
}

// String renders s on one line for logs.
func (s Summary) String() string {
	return fmt.Sprintf("%d tracks, %d points, length %.1f±%.1f [%d, %d], mean step %.4g",
		s.Tracks, s.Points, s.MeanLength, s.StdLength, s.MinLength, s.MaxLength, s.MeanStep)
}
