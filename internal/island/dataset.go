package island

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrEmptyDataset is returned when a dataset holds no usable rows.
var ErrEmptyDataset = errors.New("island: dataset has no cases")

// Case is one (x, y) fitness case.
type Case struct {
	X, Y float64
}

// Target is the polynomial the generated cases are sampled from.
func Target(x float64) float64 {
	return x*x*x*x + x*x*x + x*x + x
}

// GenerateCases samples Target at n evenly spaced points over [-5, 5).
func GenerateCases(n int) []Case {
	cases := make([]Case, n)
	for i := range cases {
		x := -5 + 10*float64(i)/float64(n)
		cases[i] = Case{X: x, Y: Target(x)}
	}
	return cases
}

// LoadDataset reads "x,y" rows from a CSV file. A non-numeric first row is
// treated as a header.
func LoadDataset(path string) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ReadDataset(f)
}

// ReadDataset parses CSV cases from r.
func ReadDataset(r io.Reader) ([]Case, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var cases []Case
	header := false
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset line %d: %w", line, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("dataset line %d: want 2 columns, got %d", line, len(rec))
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if errX != nil || errY != nil {
			if len(cases) == 0 && !header {
				header = true
				continue
			}
			return nil, fmt.Errorf("dataset line %d: %w", line, errors.Join(errX, errY))
		}
		cases = append(cases, Case{X: x, Y: y})
	}
	if len(cases) == 0 {
		return nil, ErrEmptyDataset
	}
	return cases, nil
}
