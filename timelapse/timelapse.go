// Package timelapse duty-cycles a running recorder between Recording and
// Paused so the output plays back faster than real time.
package timelapse

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tuzkov/habitCam/eventloop"
	"github.com/tuzkov/habitCam/recorder"
)

const (
	DefaultFactor = 5
	DefaultPeriod = 500 * time.Millisecond
)

var (
	ErrNotRecording = errors.New("recorder is not recording")
	ErrRunning      = errors.New("timelapse already running")
)

// Cycle is one Active+Idle period. Active is recorded, Idle is paused.
type Cycle struct {
	Active time.Duration
	Idle   time.Duration
	Period time.Duration
}

// NewCycle splits period so that 1/factor of it is recorded.
func NewCycle(factor int, period time.Duration) (Cycle, error) {
	if factor < 2 {
		return Cycle{}, fmt.Errorf("acceleration factor must be at least 2, got %d", factor)
	}
	active := period / time.Duration(factor)
	if active <= 0 {
		return Cycle{}, fmt.Errorf("period %s is too short for factor %d", period, factor)
	}
	return Cycle{
		Active: active,
		Idle:   period - active,
		Period: period,
	}, nil
}

func DefaultCycle() Cycle {
	c, _ := NewCycle(DefaultFactor, DefaultPeriod)
	return c
}

// Factor is the nominal acceleration.
func (c Cycle) Factor() float64 {
	return float64(c.Period) / float64(c.Active)
}

// Recorder is the part of recorder.Controller the scheduler drives.
type Recorder interface {
	State() recorder.State
	Pause()
	Resume()
	ActiveDuration() time.Duration
}

type Outcome string

const (
	NotStarted Outcome = "not-started"
	Running    Outcome = "running"
	Finished   Outcome = "finished"
	Cancelled  Outcome = "cancelled"
)

// Report compares what was recorded with what the cycle asked for. Timers
// fire late, so Achieved is usually a little below Nominal; nothing
// compensates for that.
type Report struct {
	Elapsed  time.Duration `json:"elapsed"`
	Active   time.Duration `json:"active"`
	Nominal  float64       `json:"nominal"`
	Achieved float64       `json:"achieved"`
	// Drift is Active minus the nominal active time for Elapsed.
	Drift   time.Duration `json:"drift"`
	Cycles  int           `json:"cycles"`
	Outcome Outcome       `json:"outcome"`
}

// Scheduler runs the Resumed -> Active -> Paused -> Idle -> Resumed loop.
// Every callback checks the running flag and generation, then reads the
// recorder's actual state before touching it.
type Scheduler struct {
	log   *slog.Logger
	loop  eventloop.Loop
	rec   Recorder
	cycle Cycle

	running bool
	gen     uint64
	timer   eventloop.Timer
	outcome Outcome

	startedAt   time.Time
	stoppedAt   time.Time
	startActive time.Duration
	endActive   time.Duration
	cycles      int
}

func New(log *slog.Logger, loop eventloop.Loop, rec Recorder, cycle Cycle) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:     log.With("svc", "timelapse"),
		loop:    loop,
		rec:     rec,
		cycle:   cycle,
		outcome: NotStarted,
	}
}

func (s *Scheduler) Cycle() Cycle {
	return s.cycle
}

func (s *Scheduler) Running() bool {
	return s.running
}

func (s *Scheduler) Outcome() Outcome {
	return s.outcome
}

// Start begins duty cycling. The recorder must already be Recording; the
// first Active phase starts now.
func (s *Scheduler) Start() error {
	if s.running {
		return ErrRunning
	}
	if st := s.rec.State(); st != recorder.Recording {
		return fmt.Errorf("fail to start timelapse in state %s: %w", st, ErrNotRecording)
	}

	s.running = true
	s.gen++
	s.outcome = Running
	s.startedAt = s.loop.Now()
	s.stoppedAt = time.Time{}
	s.startActive = s.rec.ActiveDuration()
	s.cycles = 0

	s.log.Info("timelapse started", "active", s.cycle.Active, "idle", s.cycle.Idle, "factor", s.cycle.Factor())
	s.schedule(s.cycle.Active, s.enterIdle)
	return nil
}

func (s *Scheduler) schedule(d time.Duration, fn func()) {
	gen := s.gen
	s.timer = s.loop.AfterFunc(d, func() {
		if !s.running || gen != s.gen {
			return
		}
		fn()
	})
}

func (s *Scheduler) enterIdle() {
	switch st := s.rec.State(); st {
	case recorder.Recording:
		s.rec.Pause()
	case recorder.Paused:
	default:
		s.log.Warn("recorder left the cycle", "state", st)
		s.finish(Cancelled)
		return
	}
	s.schedule(s.cycle.Idle, s.enterActive)
}

func (s *Scheduler) enterActive() {
	switch st := s.rec.State(); st {
	case recorder.Paused:
		s.rec.Resume()
	case recorder.Recording:
	default:
		s.log.Warn("recorder left the cycle", "state", st)
		s.finish(Cancelled)
		return
	}
	s.cycles++
	s.schedule(s.cycle.Active, s.enterIdle)
}

// Stop ends the cycle normally. Toggles already scheduled never run.
func (s *Scheduler) Stop() {
	s.finish(Finished)
}

// Cancel ends the cycle because the recording is being thrown away.
func (s *Scheduler) Cancel() {
	s.finish(Cancelled)
}

func (s *Scheduler) finish(outcome Outcome) {
	if !s.running {
		return
	}
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.outcome = outcome
	s.stoppedAt = s.loop.Now()
	s.endActive = s.rec.ActiveDuration()

	r := s.Report()
	s.log.Info("timelapse "+string(outcome),
		"elapsed", r.Elapsed,
		"active", r.Active,
		"nominal", r.Nominal,
		"achieved", fmt.Sprintf("%.2f", r.Achieved),
		"drift", r.Drift,
		"cycles", r.Cycles,
	)
}

// Report measures the current or last run.
func (s *Scheduler) Report() Report {
	r := Report{
		Nominal: s.cycle.Factor(),
		Cycles:  s.cycles,
		Outcome: s.outcome,
	}
	if s.outcome == NotStarted {
		return r
	}

	end, endActive := s.stoppedAt, s.endActive
	if s.running {
		end, endActive = s.loop.Now(), s.rec.ActiveDuration()
	}
	r.Elapsed = end.Sub(s.startedAt)
	r.Active = endActive - s.startActive
	if r.Active > 0 {
		r.Achieved = float64(r.Elapsed) / float64(r.Active)
	}
	r.Drift = r.Active - time.Duration(float64(r.Elapsed)/r.Nominal)
	return r
}
