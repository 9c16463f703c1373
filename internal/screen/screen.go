// Package screen wraps the headless virtual terminal that the Detector
// samples: a grid of cells fed by raw child bytes, with no display attached.
package screen

import (
	"regexp"
	"sync"

	"github.com/vito/midterm"
)

// Screen is a headless virtual terminal. Safe for concurrent use; Write is
// expected to be called only from the session's reader task, Rows from the
// sampler task.
type Screen struct {
	mu   sync.Mutex
	vt   *midterm.Terminal
	rows int
	cols int
}

// New creates a Screen of the given size.
func New(rows, cols int) *Screen {
	return &Screen{vt: midterm.NewTerminal(rows, cols), rows: rows, cols: cols}
}

// Write feeds raw child output into the virtual terminal.
func (s *Screen) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Write(data)
}

// Resize resizes the virtual terminal to match a new PTY window size.
func (s *Screen) Resize(rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Resize(rows, cols)
	s.rows = rows
	s.cols = cols
}

// Reseed replaces the screen's contents by replaying raw bytes from
// scratch. Used to re-seed the headless screen from the surviving suffix
// of the output history after the ring has dropped older chunks.
func (s *Screen) Reseed(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt = midterm.NewTerminal(s.rows, s.cols)
	s.vt.Write(data)
}

// Rows returns the plain-text (ANSI stripped) content of the screen's
// rows, most recent last, capped at max rows (0 means no cap).
func (s *Screen) Rows(max int) []string {
	s.mu.Lock()
	content := s.vt.Content
	n := len(content)
	start := 0
	if max > 0 && n > max {
		start = n - max
	}
	lines := make([]string, 0, n-start)
	for i := start; i < n; i++ {
		lines = append(lines, string(content[i]))
	}
	s.mu.Unlock()

	for i, l := range lines {
		lines[i] = stripANSI(l)
	}
	return lines
}

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}
