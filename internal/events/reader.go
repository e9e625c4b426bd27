// Package events reads recorded event-camera streams and gyro logs from
// text files and turns them into packets for the flow pipeline.
//
// Event lines are "t x y p" and gyro lines "t pan tilt roll"; fields may be
// separated by whitespace or commas and lines starting with '#' are
// comments. Gyro lines may also be JSON objects {"t","pan","tilt","roll"},
// which is the form the serial and MQTT transports deliver.
package events

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/motionflow/internal/flow"
)

// ErrMalformedLine is wrapped by every parse error.
var ErrMalformedLine = errors.New("malformed line")

// errSkip marks blank and comment lines.
var errSkip = errors.New("skip")

// maxLineBytes bounds a single input line.
const maxLineBytes = 1 << 20

// Open opens path for reading, transparently gunzipping *.gz files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func splitFields(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
}

func isComment(line string) bool {
	return line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//")
}

// ParseEventLine parses "t x y p". Polarity is 1/on/true for On and
// 0/-1/off/false for Off.
func ParseEventLine(line string) (flow.Event, error) {
	line = strings.TrimSpace(line)
	if isComment(line) {
		return flow.Event{}, errSkip
	}
	f := splitFields(line)
	if len(f) != 4 {
		return flow.Event{}, fmt.Errorf("%w: want 4 fields, got %d", ErrMalformedLine, len(f))
	}
	t, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return flow.Event{}, fmt.Errorf("%w: timestamp %q", ErrMalformedLine, f[0])
	}
	x, err := strconv.Atoi(f[1])
	if err != nil {
		return flow.Event{}, fmt.Errorf("%w: x %q", ErrMalformedLine, f[1])
	}
	y, err := strconv.Atoi(f[2])
	if err != nil {
		return flow.Event{}, fmt.Errorf("%w: y %q", ErrMalformedLine, f[2])
	}
	p, err := parsePolarity(f[3])
	if err != nil {
		return flow.Event{}, err
	}
	return flow.Event{X: x, Y: y, Timestamp: t, Polarity: p}, nil
}

func parsePolarity(s string) (flow.Polarity, error) {
	switch strings.ToLower(s) {
	case "1", "on", "true", "+1":
		return flow.On, nil
	case "0", "-1", "off", "false":
		return flow.Off, nil
	}
	return flow.Off, fmt.Errorf("%w: polarity %q", ErrMalformedLine, s)
}

// ParseIMULine parses a gyro sample from "t pan tilt roll" or from a JSON
// object with the same keys.
func ParseIMULine(line string) (flow.IMUSample, error) {
	line = strings.TrimSpace(line)
	if isComment(line) {
		return flow.IMUSample{}, errSkip
	}
	if strings.HasPrefix(line, "{") {
		var s flow.IMUSample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return flow.IMUSample{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
		return s, nil
	}
	f := splitFields(line)
	if len(f) != 4 {
		return flow.IMUSample{}, fmt.Errorf("%w: want 4 fields, got %d", ErrMalformedLine, len(f))
	}
	t, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return flow.IMUSample{}, fmt.Errorf("%w: timestamp %q", ErrMalformedLine, f[0])
	}
	var rates [3]float64
	for i := range rates {
		rates[i], err = strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return flow.IMUSample{}, fmt.Errorf("%w: rate %q", ErrMalformedLine, f[i+1])
		}
	}
	return flow.IMUSample{TimestampUs: t, PanRate: rates[0], TiltRate: rates[1], RollRate: rates[2]}, nil
}

// IsSkip reports whether err marks a blank or comment line.
func IsSkip(err error) bool { return errors.Is(err, errSkip) }

func scanLines[T any](r io.Reader, parse func(string) (T, error)) ([]T, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var out []T
	n := 0
	for sc.Scan() {
		n++
		v, err := parse(sc.Text())
		if IsSkip(err) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read line %d: %w", n+1, err)
	}
	return out, nil
}

// ReadEvents reads every event line from r.
func ReadEvents(r io.Reader) ([]flow.Event, error) {
	return scanLines(r, ParseEventLine)
}

// ReadIMU reads every gyro line from r.
func ReadIMU(r io.Reader) ([]flow.IMUSample, error) {
	return scanLines(r, ParseIMULine)
}

// Merge interleaves gyro samples into the event stream by timestamp. A
// gyro sample sorts before events with the same timestamp. Both inputs
// are expected to be time ordered; the result is stable.
func Merge(evs []flow.Event, imu []flow.IMUSample) []flow.Event {
	out := make([]flow.Event, 0, len(evs)+len(imu))
	i, j := 0, 0
	for i < len(evs) || j < len(imu) {
		if j < len(imu) && (i >= len(evs) || imu[j].TimestampUs <= evs[i].Timestamp) {
			s := imu[j]
			out = append(out, flow.Event{Timestamp: s.TimestampUs, IMU: &s})
			j++
			continue
		}
		out = append(out, evs[i])
		i++
	}
	return out
}

// SortIMU orders gyro samples by timestamp, keeping the order of equal
// timestamps. Event streams are left in file order so that rewinds reach
// the pipeline.
func SortIMU(samples []flow.IMUSample) {
	sort.SliceStable(samples, func(a, b int) bool { return samples[a].TimestampUs < samples[b].TimestampUs })
}

// Packetize splits the stream into packets of at most size entries.
func Packetize(evs []flow.Event, size int) [][]flow.Event {
	if size <= 0 {
		size = len(evs)
	}
	if len(evs) == 0 {
		return nil
	}
	packets := make([][]flow.Event, 0, (len(evs)+size-1)/size)
	for start := 0; start < len(evs); start += size {
		end := min(start+size, len(evs))
		packets = append(packets, evs[start:end])
	}
	return packets
}
