package speech

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// boundaryRe matches the end of a spoken phrase: terminal punctuation that is
// already followed by whitespace, or a run of newlines. Punctuation at the
// very end of the buffer is left pending since the next chunk may extend it
// ("3." + "14", "?" + "!").
var boundaryRe = regexp.MustCompile(`[.!?…]+\s+|\n+`)

// Segmenter accumulates streamed text and cuts it into speakable phrases.
// Emission happens under the segmenter lock, so emit must not block.
type Segmenter struct {
	mu        sync.Mutex
	buf       string
	lastPush  time.Time
	minChars  int
	autoFlush time.Duration
	emit      func(string)
	muted     bool
	closed    bool
	now       func() time.Time
}

func NewSegmenter(minChars int, autoFlush time.Duration, emit func(string)) *Segmenter {
	return &Segmenter{
		minChars:  minChars,
		autoFlush: autoFlush,
		emit:      emit,
		now:       time.Now,
	}
}

// Push appends a chunk and emits every complete phrase at the front of the
// buffer. A phrase shorter than minChars stops the scan and stays pending
// until more text, a flush or the idle timeout.
func (s *Segmenter) Push(chunk string) {
	if chunk == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted || s.closed {
		return
	}
	s.buf += chunk
	s.lastPush = s.now()

	for {
		loc := boundaryRe.FindStringIndex(s.buf)
		if loc == nil {
			return
		}
		phrase := normalize(s.buf[:loc[1]])
		if phrase == "" {
			s.buf = s.buf[loc[1]:]
			continue
		}
		if utf8.RuneCountInString(phrase) < s.minChars {
			return
		}
		s.buf = s.buf[loc[1]:]
		s.emit(phrase)
	}
}

// Flush emits whatever is pending regardless of boundaries and length.
func (s *Segmenter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// FlushIfIdle flushes when nothing was pushed for the auto-flush window.
// It reports whether anything was emitted.
func (s *Segmenter) FlushIfIdle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == "" || now.Sub(s.lastPush) < s.autoFlush {
		return false
	}
	return s.flushLocked()
}

// Clear drops pending text without emitting it.
func (s *Segmenter) Clear() {
	s.mu.Lock()
	s.buf = ""
	s.mu.Unlock()
}

// SetMuted toggles whether pushes are accepted. Muting drops pending text.
func (s *Segmenter) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	if muted {
		s.buf = ""
	}
	s.mu.Unlock()
}

// Close flushes pending text and rejects every later push.
func (s *Segmenter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.flushLocked()
	s.closed = true
}

// Pending returns the raw text waiting for a boundary.
func (s *Segmenter) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

func (s *Segmenter) flushLocked() bool {
	text := normalize(s.buf)
	s.buf = ""
	if text == "" {
		return false
	}
	s.emit(text)
	return true
}

func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
