// Package progress renders batch progress on the terminal.
package progress

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
)

// Reporter draws a spinner with a progress bar, falling back to plain
// line output in CI environments.
type Reporter struct {
	spinner *spinner.Spinner
	plain   bool
	start   time.Time
	mu      sync.Mutex
}

// NewReporter creates a reporter. Plain mode is used when CI is set.
func NewReporter() *Reporter {
	r := &Reporter{
		plain: os.Getenv("CI") == "true",
		start: time.Now(),
	}
	if !r.plain {
		r.spinner = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		r.spinner.Color("cyan", "bold")
	}
	return r
}

// Begin starts the display.
func (r *Reporter) Begin(message string) {
	if r.plain {
		fmt.Printf("[BEGIN] %s\n", message)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spinner.Suffix = " " + message
	r.spinner.Start()
}

// Update redraws the bar for done out of total units.
func (r *Reporter) Update(done, total int, message string) {
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	if r.plain {
		fmt.Printf("[%d/%d] [%d%%] %s\n", done, total, pct, message)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spinner.Suffix = fmt.Sprintf(" %s %d/%d %s", bar(pct), done, total, message)
}

// Done stops the display and prints the closing line.
func (r *Reporter) Done(message string) {
	elapsed := time.Since(r.start).Round(time.Second)
	if r.plain {
		fmt.Printf("[DONE] %s (%s)\n", message, elapsed)
		return
	}
	r.mu.Lock()
	r.spinner.Stop()
	r.mu.Unlock()
	fmt.Printf("%s (%s)\n", message, elapsed)
}

// Close stops the spinner without a closing line.
func (r *Reporter) Close() {
	if r.plain {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spinner.Stop()
}

func bar(pct int) string {
	const width = 20
	filled := pct * width / 100
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
