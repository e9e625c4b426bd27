// Package imuserial streams gyro samples from a serial-attached IMU.
//
// The device writes one sample per line, either "t pan tilt roll" or a JSON
// object with the same fields. Malformed lines are logged and dropped.
package imuserial

import (
	"bufio"
	"context"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/motionflow/internal/events"
	"github.com/banshee-data/motionflow/internal/flow"
	"github.com/banshee-data/motionflow/internal/monitoring"
)

// Port is the minimal interface needed from a serial port.
type Port interface {
	io.Reader
	io.Closer
}

// Open opens the serial device at path.
func Open(path string, opts PortOptions) (*Reader, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewReader(port), nil
}

// Reader turns lines from a Port into IMU samples.
type Reader struct {
	port Port

	mu      sync.Mutex
	lines   int64
	dropped int64
	closed  bool
}

func NewReader(port Port) *Reader {
	return &Reader{port: port}
}

// Stats returns the number of lines read and the number dropped as malformed.
func (r *Reader) Stats() (lines, dropped int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines, r.dropped
}

// Monitor reads the port until it is exhausted or ctx is cancelled, sending
// every parsed sample to out. It returns nil at end of stream.
func (r *Reader) Monitor(ctx context.Context, out chan<- flow.IMUSample) error {
	scan := bufio.NewScanner(r.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs in its own goroutine so cancellation is
	// observed even while the device is silent.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if r.isClosed() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !r.isClosed() {
						return err
					}
				default:
				}
				return nil
			}
			sample, err := events.ParseIMULine(line)
			if events.IsSkip(err) {
				continue
			}
			r.mu.Lock()
			r.lines++
			if err != nil {
				r.dropped++
			}
			r.mu.Unlock()
			if err != nil {
				monitoring.Logf("[imuserial] dropping line: %v", err)
				continue
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close closes the underlying port; a running Monitor returns nil.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.port.Close()
}
