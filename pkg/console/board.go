package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/schollz/progressbar/v3"

	"github.com/oee-monitor/fleetflash/pkg/debug"
)

const (
	defaultBarWidth   = 30
	defaultLineWidth  = 100
	boardQueueLength  = 256
	cursorUpFormat    = "\033[%dA"
	cursorDownFormat  = "\033[%dB"
	markFinishedOK    = "done"
	markFinishedError = "FAILED"
)

type requestKind int

const (
	requestUpdate requestKind = iota
	requestFinish
	requestNotice
)

type request struct {
	kind    requestKind
	index   int
	percent int
	ok      bool
	text    string
}

// BoardOption customizes a Board.
type BoardOption func(*Board)

// WithLive forces in-place row rendering on (terminal) or off (one line per change).
func WithLive(live bool) BoardOption {
	return func(b *Board) {
		b.live = live
	}
}

// WithBarWidth sets the width of each row's bar.
func WithBarWidth(width int) BoardOption {
	return func(b *Board) {
		if width > 0 {
			b.barWidth = width
		}
	}
}

// WithLineWidth caps the rendered row length.
func WithLineWidth(width int) BoardOption {
	return func(b *Board) {
		if width > 0 {
			b.lineWidth = width
		}
	}
}

// Board renders one progress row per job. A single goroutine owns the
// writer; callers only enqueue requests, so rows of different jobs never
// interleave and the requests of one caller are applied in the order sent.
type Board struct {
	out       io.Writer
	live      bool
	barWidth  int
	lineWidth int

	requests  chan request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the render loop
	rows  []*boardRow
	below int
}

type boardRow struct {
	label    string
	bar      *progressbar.ProgressBar
	capture  *rowCapture
	percent  int
	shown    bool
	finished bool
	final    string
}

// NewBoard reserves one row per label and starts the render loop.
func NewBoard(out io.Writer, labels []string, opts ...BoardOption) *Board {
	b := &Board{
		out:       out,
		live:      IsTerminal(out),
		barWidth:  defaultBarWidth,
		lineWidth: TerminalWidth(out, defaultLineWidth),
		requests:  make(chan request, boardQueueLength),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	labelWidth := 0
	for _, label := range labels {
		if n := utf8.RuneCountInString(label); n > labelWidth {
			labelWidth = n
		}
	}

	b.rows = make([]*boardRow, len(labels))
	for i, label := range labels {
		b.rows[i] = b.newRow(fmt.Sprintf("%-*s", labelWidth, label))
	}

	if b.live {
		for _, r := range b.rows {
			fmt.Fprintln(b.out, b.fit(r.render()))
		}
	}

	go b.loop()
	return b
}

func (b *Board) newRow(label string) *boardRow {
	capture := &rowCapture{}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(capture),
		progressbar.OptionSetWidth(b.barWidth),
		progressbar.OptionSetDescription(label),
		progressbar.OptionEnableColorCodes(false),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &boardRow{label: label, bar: bar, capture: capture}
}

// Update records the latest percentage reported for a row.
func (b *Board) Update(index, percent int) {
	b.send(request{kind: requestUpdate, index: index, percent: percent})
}

// Finish freezes a row with its verdict; note explains a failure.
func (b *Board) Finish(index int, ok bool, note string) {
	b.send(request{kind: requestFinish, index: index, ok: ok, text: note})
}

// Notice prints a free-form line without disturbing the rows.
func (b *Board) Notice(format string, args ...interface{}) {
	b.send(request{kind: requestNotice, text: fmt.Sprintf(format, args...)})
}

// Close flushes queued requests and stops the render loop.
// Calls made after Close are dropped.
func (b *Board) Close() {
	b.closeOnce.Do(func() {
		close(b.quit)
	})
	<-b.done
}

func (b *Board) send(r request) {
	select {
	case <-b.quit:
		return
	default:
	}

	select {
	case b.requests <- r:
	case <-b.quit:
	}
}

func (b *Board) loop() {
	defer close(b.done)

	for {
		select {
		case r := <-b.requests:
			b.apply(r)
		case <-b.quit:
			for {
				select {
				case r := <-b.requests:
					b.apply(r)
				default:
					return
				}
			}
		}
	}
}

func (b *Board) apply(r request) {
	if r.kind == requestNotice {
		fmt.Fprintln(b.out, r.text)
		if b.live {
			b.below++
		}
		return
	}

	if r.index < 0 || r.index >= len(b.rows) {
		debug.Warning("Progress request for unknown row %d ignored", r.index)
		return
	}
	row := b.rows[r.index]
	if row.finished {
		return
	}

	switch r.kind {
	case requestUpdate:
		if row.shown && row.percent == r.percent {
			return
		}
		row.setPercent(r.percent)
		row.shown = true
		if b.live {
			b.redraw(r.index)
		} else {
			fmt.Fprintf(b.out, "[%d] %s %s\n", r.index, strings.TrimSpace(row.label), ProgressBar(int64(r.percent), 100, 20))
		}

	case requestFinish:
		row.finished = true
		mark := b.paint(markFinishedOK, colorGreen)
		if !r.ok {
			mark = b.paint(markFinishedError, colorRed)
		}
		row.final = mark
		if r.text != "" {
			row.final += ": " + r.text
		}
		if b.live {
			b.redraw(r.index)
		} else {
			fmt.Fprintf(b.out, "[%d] %s %s\n", r.index, strings.TrimSpace(row.label), row.final)
		}
	}
}

// redraw moves the cursor onto the row, rewrites it and returns below the block.
func (b *Board) redraw(index int) {
	up := len(b.rows) - index + b.below
	fmt.Fprintf(b.out, cursorUpFormat, up)
	fmt.Fprint(b.out, clearLine+b.fit(b.rows[index].render()))
	fmt.Fprintf(b.out, cursorDownFormat, up)
	fmt.Fprint(b.out, "\r")
}

func (b *Board) fit(line string) string {
	limit := b.lineWidth - 1
	if limit <= 0 || utf8.RuneCountInString(line) <= limit {
		return line
	}
	runes := []rune(line)
	return string(runes[:limit])
}

func (b *Board) paint(text, colorCode string) string {
	if !b.live {
		return text
	}
	return colorCode + text + colorReset
}

func (r *boardRow) setPercent(percent int) {
	clamped := percent
	if clamped < 0 {
		clamped = 0
	}
	if clamped > 100 {
		clamped = 100
	}
	if percent < r.percent {
		r.bar.Reset()
	}
	r.percent = percent

	if clamped != percent {
		r.bar.Describe(fmt.Sprintf("%s (reported %d%%)", r.label, percent))
	} else {
		r.bar.Describe(r.label)
	}
	if err := r.bar.Set(clamped); err != nil {
		debug.Debug("Progress bar refused %d for %s: %v", clamped, r.label, err)
	}
}

func (r *boardRow) render() string {
	if r.finished {
		return r.label + " " + r.final
	}
	if line := r.capture.String(); line != "" {
		return line
	}
	return r.label
}

// rowCapture keeps the last frame a progress bar drew. Frames are separated
// by carriage returns and clearing frames are blank.
type rowCapture struct {
	last string
}

func (c *rowCapture) Write(p []byte) (int, error) {
	frames := strings.Split(string(p), "\r")
	for i := len(frames) - 1; i >= 0; i-- {
		frame := strings.TrimRight(frames[i], "\n")
		if strings.TrimSpace(frame) != "" {
			c.last = strings.TrimRight(frame, " ")
			break
		}
	}
	return len(p), nil
}

func (c *rowCapture) String() string {
	return c.last
}
