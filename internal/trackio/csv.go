package trackio

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/extrack/internal/motility"
)

// TracksHeader is the header row of track CSV files.
var TracksHeader = []string{"track_id", "frame", "x", "y"}

// PredictionsHeader is the header row of prediction CSV files.
var PredictionsHeader = []string{"track_id", "index", "x", "y", "p_stuck", "p_diffusive"}

// LoadCSV reads a track table from a CSV file.
func LoadCSV(path string) ([]motility.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tracks: %w", err)
	}
	defer f.Close()
	tracks, err := ReadCSV(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tracks, nil
}

// ReadCSV reads rows with the columns of TracksHeader, in any order, and
// groups them into tracks. Extra columns are ignored.
func ReadCSV(r io.Reader) ([]motility.Track, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty CSV")
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idx := make([]int, len(TracksHeader))
	for i, name := range TracksHeader {
		j, ok := col[name]
		if !ok {
			return nil, fmt.Errorf("CSV header %v lacks column %q", header, name)
		}
		idx[i] = j
	}

	var rows []row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV: %w", err)
		}
		var v [4]float64
		for i, j := range idx {
			v[i], err = strconv.ParseFloat(strings.TrimSpace(rec[j]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, TracksHeader[i], err)
			}
		}
		id, err := trackID(v[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		p := motility.Point{X: v[2], Y: v[3]}
		if err := checkPoint(p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row{id: id, frame: v[1], p: p})
	}
	if len(rows) == 0 {
		return nil, errors.New("CSV has no rows")
	}
	return groupRows(rows), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteTracksCSV writes tracks with the TracksHeader columns. Frames count
// from 0 within each track.
func WriteTracksCSV(w io.Writer, tracks []motility.Track) error {
	cw := csv.NewWriter(w)
	cw.Write(TracksHeader)
	for _, tr := range tracks {
		id := strconv.Itoa(tr.ID)
		for i, p := range tr.Points {
			cw.Write([]string{id, strconv.Itoa(i), formatFloat(p.X), formatFloat(p.Y)})
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write tracks CSV: %w", err)
	}
	return nil
}

// WritePredictionsCSV writes one row per localization with its state
// probabilities. Every track needs an entry of matching length in probs.
func WritePredictionsCSV(w io.Writer, tracks []motility.Track, probs map[int][]motility.StateProbability) error {
	for _, tr := range tracks {
		if got := len(probs[tr.ID]); got != tr.Len() {
			return fmt.Errorf("track %d has %d localizations but %d predictions", tr.ID, tr.Len(), got)
		}
	}

	cw := csv.NewWriter(w)
	cw.Write(PredictionsHeader)
	for _, tr := range tracks {
		id := strconv.Itoa(tr.ID)
		for i, p := range tr.Points {
			sp := probs[tr.ID][i]
			cw.Write([]string{
				id,
				strconv.Itoa(i),
				formatFloat(p.X),
				formatFloat(p.Y),
				formatFloat(sp.Stuck),
				formatFloat(sp.Diffusive),
			})
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write predictions CSV: %w", err)
	}
	return nil
}
