package obslog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// TextSink writes human-readable "[level] msg key=value ..." lines to an
// io.Writer.
type TextSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTextSink builds a TextSink writing to w. A nil w defaults to os.Stdout.
func NewTextSink(w io.Writer) *TextSink {
	if w == nil {
		w = os.Stdout
	}
	return &TextSink{w: w}
}

func (s *TextSink) Write(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "[%s] %s", rec.Level, rec.Msg)
	for _, f := range rec.Fields {
		fmt.Fprintf(s.w, " %s=%v", f.Key, f.Value)
	}
	fmt.Fprintln(s.w)
}

// NewTextLogger is a convenience constructor combining New with a TextSink.
func NewTextLogger(w io.Writer, minLevel Level) Logger {
	return New(NewTextSink(w), minLevel, nil)
}
