package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level diagnostic logger used by storage and the
// IMU transports. It defaults to log.Printf but may be replaced by
// SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetWriter routes Logf to w with the given prefix. A nil writer mutes it.
func SetWriter(w io.Writer, prefix string) {
	if w == nil {
		SetLogger(nil)
		return
	}
	l := log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
	SetLogger(l.Printf)
}
