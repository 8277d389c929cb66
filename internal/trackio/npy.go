package trackio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/extrack/internal/motility"
)

// ErrNotNPY is returned when the input does not start with the NumPy magic.
var ErrNotNPY = errors.New("not a NumPy .npy file")

const npyMagic = "\x93NUMPY"

var (
	npyDescr   = regexp.MustCompile(`'descr'\s*:\s*'([<>|=]?)f([48])'`)
	npyFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	npyShape   = regexp.MustCompile(`'shape'\s*:\s*\(\s*(\d+)\s*,\s*(\d+)\s*,?\s*\)`)
)

// maxNPYValues caps the table size accepted by ReadNPY.
const maxNPYValues = 1 << 28

// LoadNPY reads a track table from a .npy file.
func LoadNPY(path string) ([]motility.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tracks: %w", err)
	}
	defer f.Close()
	tracks, err := ReadNPY(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tracks, nil
}

// ReadNPY decodes a 2-D float table with at least four columns (x, y,
// frame, track id) and groups its rows into tracks.
func ReadNPY(r io.Reader) ([]motility.Track, error) {
	m, err := readNPYMatrix(r)
	if err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	if cols < numCols {
		return nil, fmt.Errorf("table has %d columns, want at least %d (x, y, frame, track id)", cols, numCols)
	}

	xs := mat.Col(nil, ColX, m)
	ys := mat.Col(nil, ColY, m)
	frames := mat.Col(nil, ColFrame, m)
	ids := mat.Col(nil, ColTrackID, m)

	table := make([]row, rows)
	for i := range table {
		id, err := trackID(ids[i])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		p := motility.Point{X: xs[i], Y: ys[i]}
		if err := checkPoint(p); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		table[i] = row{id: id, frame: frames[i], p: p}
	}
	return groupRows(table), nil
}

// readNPYMatrix decodes a version 1, 2 or 3 .npy stream holding a 2-D array
// of 4 or 8 byte floats.
func readNPYMatrix(r io.Reader) (*mat.Dense, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, fmt.Errorf("read npy preamble: %w", err)
	}
	if string(pre[:6]) != npyMagic {
		return nil, ErrNotNPY
	}

	var headerLen int
	switch major := pre[6]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		if n > 1<<20 {
			return nil, fmt.Errorf("npy header too large: %d bytes", n)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("unsupported npy version %d.%d", major, pre[7])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}

	d := npyDescr.FindSubmatch(header)
	if d == nil {
		return nil, fmt.Errorf("unsupported npy dtype in header %q (want f4 or f8)", bytes.TrimSpace(header))
	}
	var order binary.ByteOrder = binary.LittleEndian
	if string(d[1]) == ">" {
		order = binary.BigEndian
	}
	size := 8
	if string(d[2]) == "4" {
		size = 4
	}

	fortran := false
	if f := npyFortran.FindSubmatch(header); f != nil {
		fortran = string(f[1]) == "True"
	}

	s := npyShape.FindSubmatch(header)
	if s == nil {
		return nil, fmt.Errorf("npy array must be 2-D, header %q", bytes.TrimSpace(header))
	}
	rows, err := strconv.Atoi(string(s[1]))
	if err != nil {
		return nil, fmt.Errorf("npy shape: %w", err)
	}
	cols, err := strconv.Atoi(string(s[2]))
	if err != nil {
		return nil, fmt.Errorf("npy shape: %w", err)
	}
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("npy array is empty (%d, %d)", rows, cols)
	}
	if rows > maxNPYValues/cols {
		return nil, fmt.Errorf("npy array too large (%d, %d)", rows, cols)
	}

	raw := make([]byte, rows*cols*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read npy data: %w", err)
	}
	data := make([]float64, rows*cols)
	for i := range data {
		b := raw[i*size : (i+1)*size]
		var v float64
		if size == 8 {
			v = math.Float64frombits(order.Uint64(b))
		} else {
			v = float64(math.Float32frombits(order.Uint32(b)))
		}
		if fortran {
			// Column-major on disk.
			data[(i%rows)*cols+i/rows] = v
		} else {
			data[i] = v
		}
	}
	return mat.NewDense(rows, cols, data), nil
}

// WriteNPY encodes tracks as a version 1.0 little-endian float64 table with
// columns x, y, frame, track id. Frames count from 0 within each track.
func WriteNPY(w io.Writer, tracks []motility.Track) error {
	var rows int
	for _, tr := range tracks {
		rows += tr.Len()
	}
	if rows == 0 {
		return errors.New("no localizations to write")
	}

	dict := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", rows, numCols)
	// Magic, version and length prefix take 10 bytes; the header ends in a
	// newline and pads the preamble to a multiple of 64.
	total := 10 + len(dict) + 1
	pad := (64 - total%64) % 64
	header := dict + string(bytes.Repeat([]byte{' '}, pad)) + "\n"

	bw := bufio.NewWriter(w)
	bw.WriteString(npyMagic)
	bw.Write([]byte{1, 0})
	if err := binary.Write(bw, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	bw.WriteString(header)

	var buf [8]byte
	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		bw.Write(buf[:])
	}
	for _, tr := range tracks {
		for i, p := range tr.Points {
			put(p.X)
			put(p.Y)
			put(float64(i))
			put(float64(tr.ID))
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write npy: %w", err)
	}
	return nil
}
