package flow

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidField is returned when a ground-truth file is structurally wrong.
var ErrInvalidField = errors.New("invalid ground truth field")

// GroundTruthField is an imported reference flow field. Vx and Vy are
// indexed [y][x] at full sensor resolution; the field is valid for event
// timestamps in [TsStart, TsEnd).
type GroundTruthField struct {
	Vx      [][]float64
	Vy      [][]float64
	TsStart int64
	TsEnd   int64
}

// groundTruthFile is the on-disk JSON layout.
type groundTruthFile struct {
	VxGT [][]float64 `json:"vxGT"`
	VyGT [][]float64 `json:"vyGT"`
	Ts   []float64   `json:"ts"`
}

// Validate checks array shapes and the validity interval.
func (f *GroundTruthField) Validate() error {
	if len(f.Vx) == 0 {
		return fmt.Errorf("%w: vxGT is empty", ErrInvalidField)
	}
	if len(f.Vx) != len(f.Vy) {
		return fmt.Errorf("%w: vxGT has %d rows, vyGT has %d", ErrInvalidField, len(f.Vx), len(f.Vy))
	}
	for y := range f.Vx {
		if len(f.Vx[y]) != len(f.Vy[y]) {
			return fmt.Errorf("%w: row %d width mismatch (%d vs %d)", ErrInvalidField, y, len(f.Vx[y]), len(f.Vy[y]))
		}
	}
	if f.TsEnd < f.TsStart {
		return fmt.Errorf("%w: ts interval [%d,%d) is reversed", ErrInvalidField, f.TsStart, f.TsEnd)
	}
	return nil
}

// Covers reports whether t lies in the validity interval.
func (f *GroundTruthField) Covers(t int64) bool {
	return t >= f.TsStart && t < f.TsEnd
}

// At samples the field at full-resolution (x, y). Out-of-range pixels
// return the zero vector.
func (f *GroundTruthField) At(x, y int) Vector {
	if y < 0 || y >= len(f.Vx) || x < 0 || x >= len(f.Vx[y]) {
		return Vector{}
	}
	return NewVector(f.Vx[y][x], f.Vy[y][x])
}

// ReadGroundTruth decodes a ground-truth field from JSON.
func ReadGroundTruth(r io.Reader) (*GroundTruthField, error) {
	var raw groundTruthFile
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode ground truth: %w", err)
	}
	if len(raw.Ts) != 2 {
		return nil, fmt.Errorf("%w: ts must hold 2 values, got %d", ErrInvalidField, len(raw.Ts))
	}
	f := &GroundTruthField{
		Vx:      raw.VxGT,
		Vy:      raw.VyGT,
		TsStart: int64(raw.Ts[0]),
		TsEnd:   int64(raw.Ts[1]),
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadGroundTruth reads a ground-truth file. Files ending in .gz are
// gunzipped first.
func LoadGroundTruth(path string) (*GroundTruthField, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open ground truth: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("gunzip ground truth: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return ReadGroundTruth(r)
}
