package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// Display renders a single-line progress bar on a terminal
type Display struct {
	mu        sync.Mutex
	out       io.Writer
	estimator *Estimator
	bytes     int64
	last      Update
	lastWidth int
}

// NewDisplay creates a display writing to out
func NewDisplay(out io.Writer, estimator *Estimator) *Display {
	return &Display{
		out:       out,
		estimator: estimator,
	}
}

// IsTerminal reports whether w is an interactive terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Publish redraws the progress line
func (d *Display) Publish(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u.BatchID != d.last.BatchID {
		d.bytes = 0
	}
	d.bytes += u.Bytes
	d.last = u

	line := d.render(u)
	pad := ""
	if d.lastWidth > len(line) {
		pad = strings.Repeat(" ", d.lastWidth-len(line))
	}
	fmt.Fprintf(d.out, "\r%s%s", line, pad)
	d.lastWidth = len(line)
}

// Finish ends the progress line with a summary
func (d *Display) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastWidth == 0 {
		return
	}
	p := d.last.Progress
	fmt.Fprintf(d.out, "\r%s\n", strings.Repeat(" ", d.lastWidth))
	fmt.Fprintf(d.out, "Batch %s finished: %d completed, %d failed, %d pending, %s downloaded in %s\n",
		d.last.BatchID, p.Completed, p.Failed, p.Pending+p.InProgress,
		humanize.Bytes(uint64(d.bytes)), FormatDuration(d.estimator.Elapsed()))
	d.lastWidth = 0
}

func (d *Display) render(u Update) string {
	p := u.Progress
	done := p.Completed + p.Failed
	percent := Percent(done, p.Total)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d/%d (%.0f%%) ok:%d failed:%d",
		progressBar(percent, 24), done, p.Total, percent, p.Completed, p.Failed)
	if u.Task != nil && u.Task.Status == state.StatusInProgress {
		fmt.Fprintf(&b, " | %s", u.Task.Spec())
	}
	if d.bytes > 0 {
		fmt.Fprintf(&b, " | %s", humanize.Bytes(uint64(d.bytes)))
	}
	fmt.Fprintf(&b, " | elapsed %s eta %s",
		FormatDuration(d.estimator.Elapsed()),
		FormatDuration(d.estimator.ETA(p.Pending+p.InProgress)))
	return b.String()
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}
