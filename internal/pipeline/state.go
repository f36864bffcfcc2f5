package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/pkg/models"
)

// State is the lifecycle position of one template within a store run.
type State string

const (
	StatePending     State = "pending"
	StateUploading   State = "uploading"
	StateSubmitted   State = "submitted"
	StateRetrying    State = "retrying"
	StateDownloading State = "downloading"
	StateExtracting  State = "extracting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

var transitions = map[State][]State{
	StatePending:     {StateUploading, StateSubmitted, StateFailed},
	StateUploading:   {StateSubmitted, StateFailed},
	StateSubmitted:   {StateRetrying, StateDownloading, StateDone, StateFailed},
	StateRetrying:    {StateDownloading, StateDone, StateFailed},
	StateDownloading: {StateExtracting, StateFailed},
	StateExtracting:  {StateDone, StateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobEvent is emitted on every state change of a template.
type JobEvent struct {
	RunID      string          `json:"run_id"`
	TemplateID string          `json:"template_id"`
	Platform   models.Platform `json:"platform"`
	Locale     string          `json:"locale"`
	Device     string          `json:"device"`
	Sequence   int             `json:"sequence"`
	State      State           `json:"state"`
	Error      string          `json:"error,omitempty"`
	Time       time.Time       `json:"time"`
}

// Observer receives job events. Implementations must not block for long;
// they run on the template's goroutine.
type Observer interface {
	JobStateChanged(ctx context.Context, event JobEvent)
}

// Job tracks one template through the pipeline. A job is owned by a single
// goroutine at a time.
type Job struct {
	RunID    string
	Template models.TemplateUpdate

	state    State
	err      error
	observer Observer
	logger   *zap.Logger
}

func newJob(runID string, template models.TemplateUpdate, observer Observer, logger *zap.Logger) *Job {
	return &Job{
		RunID:    runID,
		Template: template,
		state:    StatePending,
		observer: observer,
		logger: logger.With(
			zap.String("template_id", template.ID),
			zap.String("platform", string(template.Platform)),
			zap.String("locale", template.Locale),
			zap.String("device", template.Device)),
	}
}

// State returns the current state.
func (j *Job) State() State { return j.state }

// Err returns the failure cause of a failed job.
func (j *Job) Err() error { return j.err }

func (j *Job) transition(ctx context.Context, to State) {
	if !canTransition(j.state, to) {
		j.logger.DPanic("Invalid job state transition",
			zap.String("from", string(j.state)),
			zap.String("to", string(to)))
		return
	}
	j.logger.Debug("Job state changed",
		zap.String("from", string(j.state)),
		zap.String("to", string(to)))
	j.state = to
	j.notify(ctx)
}

func (j *Job) fail(ctx context.Context, err error) {
	if j.state.Terminal() {
		return
	}
	j.err = err
	j.state = StateFailed
	j.logger.Error("Template generation failed", zap.Error(err))
	j.notify(ctx)
}

func (j *Job) notify(ctx context.Context) {
	if j.observer == nil {
		return
	}
	event := JobEvent{
		RunID:      j.RunID,
		TemplateID: j.Template.ID,
		Platform:   j.Template.Platform,
		Locale:     j.Template.Locale,
		Device:     j.Template.Device,
		Sequence:   j.Template.Sequence,
		State:      j.state,
		Time:       time.Now(),
	}
	if j.err != nil {
		event.Error = j.err.Error()
	}
	j.observer.JobStateChanged(ctx, event)
}

// Outcome is the settled result of a job.
type Outcome struct {
	Template models.TemplateUpdate
	State    State
	Err      error
}

func (j *Job) outcome() Outcome {
	return Outcome{Template: j.Template, State: j.state, Err: j.err}
}
