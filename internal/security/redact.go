package security

import (
	"io"
	"strings"
	"sync"
)

// Mask replaces resolved secret plaintext in any captured output.
const Mask = "[secure]"

// Redactor replaces registered plaintexts with Mask. One redactor is shared
// across the jobs of a run so a secret resolved by one job cannot leak
// through another job's captured output.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// Add registers a resolved plaintext. Empty and very short values are
// ignored: masking one- or two-character strings would shred ordinary
// output without hiding anything.
func (r *Redactor) Add(plaintext string) {
	if len(plaintext) < 3 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, plaintext)
}

func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Mask)
	}
	return s
}

// Writer wraps an output sink so everything written through it is redacted
// before it reaches the sink. Writes are line-buffered; Flush pushes out
// any trailing partial line.
type Writer struct {
	redactor *Redactor
	sink     io.Writer

	mu  sync.Mutex
	buf strings.Builder
}

func (r *Redactor) Writer(sink io.Writer) *Writer {
	return &Writer{redactor: r, sink: sink}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		s := w.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		line := s[:idx+1]
		w.buf.Reset()
		w.buf.WriteString(s[idx+1:])
		if _, err := io.WriteString(w.sink, w.redactor.Redact(line)); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	_, err := io.WriteString(w.sink, w.redactor.Redact(line))
	return err
}
