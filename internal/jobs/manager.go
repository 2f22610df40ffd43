package jobs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oee-monitor/fleetflash/internal/metrics"
	"github.com/oee-monitor/fleetflash/pkg/console"
	"github.com/oee-monitor/fleetflash/pkg/debug"
)

// maxLineLength bounds a single output line; longer lines end the read
// for that job with a StreamReadError.
const maxLineLength = 1024 * 1024

// Presenter shows per-job progress. Calls for one index arrive in the
// order the job observed them; calls for different indexes may interleave.
type Presenter interface {
	Update(index, percent int)
	Finish(index int, ok bool, note string)
	Close()
}

// PresenterFactory creates the presenter for a run, one label per job index.
type PresenterFactory func(labels []string) Presenter

// Outcome is the verdict for one job.
type Outcome struct {
	Port        string
	Index       int
	Success     bool
	ExitCode    int
	Err         error // nil on success; *LaunchError, *StreamReadError or *ExitError otherwise
	LastPercent int   // -1 when the tool never reported progress
	Duration    time.Duration
}

// Cause describes why the job failed, empty on success.
func (o Outcome) Cause() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Summary counts outcomes. Succeeded + Failed == Total.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Summarize folds outcomes into a Summary.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// Result is what a run produced.
type Result struct {
	RunID    string
	Summary  Summary
	Outcomes []Outcome // sorted by job index
	Pending  []string  // ports without an outcome when the run was interrupted
	Started  time.Time
	Finished time.Time
}

// Failures returns the failing outcomes in index order.
func (r *Result) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	return failed
}

// JobExecution represents an active job execution
type JobExecution struct {
	Job       FlashJob
	PID       int
	StartTime time.Time
}

// FlashManager runs flash jobs concurrently
type FlashManager struct {
	driver       Driver
	concurrency  int
	newPresenter PresenterFactory
	collector    *metrics.Collector

	// Job state
	mutex      sync.RWMutex
	activeJobs map[string]*JobExecution
}

// NewFlashManager creates a new flash manager. concurrency caps how many
// tools run at once; zero or less runs every job at the same time and 1
// flashes the ports one after another.
func NewFlashManager(driver Driver, concurrency int) *FlashManager {
	return &FlashManager{
		driver:      driver,
		concurrency: concurrency,
		newPresenter: newBoardPresenter,
		activeJobs: make(map[string]*JobExecution),
	}
}

func newBoardPresenter(labels []string) Presenter {
	return console.NewBoard(console.Writer(), labels, boardOptions()...)
}

// boardOptions keeps the board in line mode while debug logging is on.
// Log lines share the terminal and would shift rows redrawn in place.
func boardOptions() []console.BoardOption {
	if debug.IsEnabled {
		return []console.BoardOption{console.WithLive(false)}
	}
	return nil
}

// SetPresenterFactory replaces the terminal progress board
func (m *FlashManager) SetPresenterFactory(factory PresenterFactory) {
	m.newPresenter = factory
}

// SetCollector enables host load snapshots at the start and end of a run
func (m *FlashManager) SetCollector(collector *metrics.Collector) {
	m.collector = collector
}

// GetActiveJobs returns a copy of the jobs whose tool is currently running
func (m *FlashManager) GetActiveJobs() map[string]*JobExecution {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	active := make(map[string]*JobExecution, len(m.activeJobs))
	for port, execution := range m.activeJobs {
		active[port] = execution
	}
	return active
}

// Run flashes every job and blocks until each has an outcome. When ctx ends
// first, Run returns at once with the outcomes gathered so far and
// ErrInterrupted; tools already started are left to the operating system.
func (m *FlashManager) Run(ctx context.Context, jobs []FlashJob) (*Result, error) {
	result := &Result{
		RunID:   uuid.New().String(),
		Started: time.Now(),
	}
	log := debug.With("run", result.RunID)

	if len(jobs) == 0 {
		log.Info("No jobs to run")
		result.Finished = time.Now()
		return result, nil
	}

	if m.collector != nil {
		log.Info("Host load before flashing: %s", m.collector.Collect())
	}

	labels := make([]string, len(jobs))
	for i, job := range jobs {
		labels[i] = job.Port
	}
	presenter := m.newPresenter(labels)

	var (
		outcomesMu sync.Mutex
		outcomes   []Outcome
	)

	// a plain Group: one job failing must not cancel the others
	var group errgroup.Group
	if m.concurrency > 0 {
		group.SetLimit(m.concurrency)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, job := range jobs {
			if ctx.Err() != nil {
				break
			}
			job := job
			group.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				outcome := m.runJob(log.With("port", job.Port), job, presenter)

				outcomesMu.Lock()
				outcomes = append(outcomes, outcome)
				outcomesMu.Unlock()

				presenter.Finish(job.Index, outcome.Success, outcome.Cause())
				return nil
			})
		}
		_ = group.Wait()
	}()

	var runErr error
	select {
	case <-finished:
	case <-ctx.Done():
		runErr = ErrInterrupted
		log.Warning("Run interrupted: %v", ctx.Err())
	}
	presenter.Close()

	outcomesMu.Lock()
	result.Outcomes = append([]Outcome(nil), outcomes...)
	outcomesMu.Unlock()

	sort.Slice(result.Outcomes, func(i, j int) bool {
		return result.Outcomes[i].Index < result.Outcomes[j].Index
	})
	result.Summary = Summarize(result.Outcomes)
	result.Pending = pendingPorts(jobs, result.Outcomes)
	result.Finished = time.Now()

	if m.collector != nil {
		log.Info("Host load after flashing: %s", m.collector.Collect())
	}
	log.Info("Run finished: %d succeeded, %d failed, %d pending",
		result.Summary.Succeeded, result.Summary.Failed, len(result.Pending))

	return result, runErr
}

// runJob drives one tool from launch to exit. Every failure, including a
// panic, becomes a failing Outcome.
func (m *FlashManager) runJob(log *debug.Entry, job FlashJob, presenter Presenter) (outcome Outcome) {
	outcome = Outcome{
		Port:        job.Port,
		Index:       job.Index,
		ExitCode:    -1,
		LastPercent: -1,
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			outcome.Success = false
			outcome.Err = &StreamReadError{Port: job.Port, Err: fmt.Errorf("worker panic: %v", r)}
			log.Error("Recovered from panic: %v", r)
		}
		outcome.Duration = time.Since(start)

		m.mutex.Lock()
		delete(m.activeJobs, job.Port)
		m.mutex.Unlock()
	}()

	if cl, ok := m.driver.(commandLiner); ok {
		log.Info("Starting %s", strings.Join(cl.CommandLine(job), " "))
	}

	process, err := m.driver.Start(job)
	if err != nil {
		outcome.Err = asLaunchError(job.Port, err)
		log.Error("%v", outcome.Err)
		return outcome
	}

	m.mutex.Lock()
	m.activeJobs[job.Port] = &JobExecution{Job: job, PID: process.PID(), StartTime: start}
	m.mutex.Unlock()
	log.Info("Flashing started (pid %d)", process.PID())

	scanner := bufio.NewScanner(process.Output())
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	scanner.Split(ScanLines)

	for scanner.Scan() {
		line := scanner.Text()
		log.Debug("output: %s", line)

		if percent, ok := ParseProgress(line); ok {
			outcome.LastPercent = percent
			presenter.Update(job.Index, percent)
		}
	}

	readErr := scanner.Err()
	if readErr != nil {
		// keep the pipe flowing so the tool can still exit
		_, _ = io.Copy(io.Discard, process.Output())
	}

	code, waitErr := process.Wait()
	outcome.ExitCode = code

	switch {
	case readErr != nil:
		outcome.Err = &StreamReadError{Port: job.Port, Err: readErr}
	case waitErr != nil:
		outcome.Err = &StreamReadError{Port: job.Port, Err: waitErr}
	case code != 0:
		outcome.Err = &ExitError{Port: job.Port, Code: code}
	default:
		outcome.Success = true
	}

	if outcome.Success {
		log.Info("Flashing finished in %s", time.Since(start).Round(time.Millisecond))
	} else {
		log.Error("%v", outcome.Err)
	}
	return outcome
}

func asLaunchError(port string, err error) error {
	if le, ok := err.(*LaunchError); ok {
		return le
	}
	return &LaunchError{Port: port, Err: err}
}

func pendingPorts(jobs []FlashJob, outcomes []Outcome) []string {
	done := make(map[int]bool, len(outcomes))
	for _, o := range outcomes {
		done[o.Index] = true
	}

	var pending []string
	for _, job := range jobs {
		if !done[job.Index] {
			pending = append(pending, job.Port)
		}
	}
	return pending
}
