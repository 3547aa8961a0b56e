package runtime

import (
	"fmt"
	"strings"
	"sync"
)

// Fragment is one executed code block and the output it produced.
type Fragment struct {
	Code   string
	Output string
	Failed bool
}

// History is the append-only record of every code fragment submitted to
// a runtime. Fragments are recorded before execution, so the history
// reflects what was attempted, not just what succeeded. It is cleared
// only by an explicit Clear at the start of a new task, never by a
// process reset.
type History struct {
	mu        sync.Mutex
	fragments []Fragment
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append records a code fragment before execution and returns its index.
func (h *History) Append(code string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fragments = append(h.fragments, Fragment{Code: code})
	return len(h.fragments) - 1
}

// Complete attaches the execution outcome to a previously appended
// fragment. Out-of-range indexes are ignored.
func (h *History) Complete(idx int, output string, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx < 0 || idx >= len(h.fragments) {
		return
	}
	h.fragments[idx].Output = strings.TrimRight(output, "\n")
	h.fragments[idx].Failed = failed
}

// Len returns the number of recorded fragments.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fragments)
}

// Fragments returns a copy of all recorded fragments in submission order.
func (h *History) Fragments() []Fragment {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Fragment, len(h.fragments))
	copy(out, h.fragments)
	return out
}

// Clear discards all recorded fragments.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fragments = nil
}

// Script renders the session as a standalone script: every code block in
// submission order with its observed output as comments. Replaying the
// script reproduces the attempted operations, though not necessarily the
// same output when the code talks to external systems.
func (h *History) Script() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var b strings.Builder
	for i, frag := range h.fragments {
		fmt.Fprintf(&b, "# === Code Block %d ===\n", i+1)
		b.WriteString(frag.Code)
		fmt.Fprintf(&b, "\n\n# --- Output %d ---\n", i+1)
		if frag.Output == "" {
			b.WriteString("# (no output)\n")
		} else {
			for _, line := range strings.Split(frag.Output, "\n") {
				b.WriteString("# ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
