package nbd

import (
	"io"
	"log"
)

// NewLogger returns a *log.Logger writing to w with no extra
// decoration beyond a timestamp; call sites prefix lines with
// "[INFO]"/"[ERROR]"/"[DEBUG]" themselves.
func NewLogger(w io.Writer) *log.Logger {
	return log.New(w, "", log.LstdFlags)
}

// info and errorf are small helpers so call sites don't repeat the
// "[INFO] "/"[ERROR] " prefix by hand. A nil logger is valid and
// silently discards.
func info(l *log.Logger, format string, args ...any) {
	if l == nil {
		return
	}
	l.Printf("[INFO] "+format, args...)
}

func errorf(l *log.Logger, format string, args ...any) {
	if l == nil {
		return
	}
	l.Printf("[ERROR] "+format, args...)
}

func debugf(l *log.Logger, debug bool, format string, args ...any) {
	if l == nil || !debug {
		return
	}
	l.Printf("[DEBUG] "+format, args...)
}
