// Package activity projects coordination devops events into a time-ordered
// view of in-flight and finished operations. The projection is ephemeral and
// read-only: it queries the message log and never writes back.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/semswarm/coordination"
)

// Status enumerates activity states.
type Status string

// Activity statuses.
const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// StepStatus enumerates per-step states.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one named stage of an activity.
type Step struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Activity is one reconstructed devops operation.
type Activity struct {
	ID          string     `json:"id"`
	Operation   string     `json:"operation"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Steps       []Step     `json:"steps"`
}

// View is the projection output: the newest in-flight activity plus recent
// history, newest first.
type View struct {
	Current *Activity  `json:"current,omitempty"`
	Recent  []Activity `json:"recent"`
}

// Querier reads coordination messages. *coordination.Client satisfies it.
type Querier interface {
	Query(ctx context.Context, f coordination.QueryFilter) ([]*coordination.Message, error)
}

// fetchLimit bounds how many messages per devops type feed one projection.
const fetchLimit = 200

// devopsTypes are the message types the folder consumes.
var devopsTypes = []coordination.MessageType{
	coordination.TypeDevOpsStarted,
	coordination.TypeDevOpsStepUpdate,
	coordination.TypeDevOpsComplete,
	coordination.TypeDevOpsFailed,
}

// Folder folds devops messages into activities.
type Folder struct {
	querier Querier
	logger  *slog.Logger
}

// NewFolder creates a folder over the given message source.
func NewFolder(querier Querier, logger *slog.Logger) *Folder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Folder{querier: querier, logger: logger}
}

// devopsEvent is the JSON description carried by devops messages.
type devopsEvent struct {
	ActivityID string   `json:"activity_id"`
	Operation  string   `json:"operation,omitempty"`
	Steps      []string `json:"steps,omitempty"`
	Step       string   `json:"step,omitempty"`
	Status     string   `json:"status,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// stepUpdate is a buffered (step, status, timestamp) observation.
type stepUpdate struct {
	step      string
	status    StepStatus
	timestamp time.Time
}

// View projects the current substrate state. Recent history is truncated to
// limit. Substrate failures yield an empty view, never an error: the
// projection degrades, it does not break its caller.
func (f *Folder) View(ctx context.Context, limit int) View {
	msgs := f.collect(ctx)
	if len(msgs) == 0 {
		return View{Recent: []Activity{}}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	activities := make(map[string]*Activity)
	updates := make(map[string][]stepUpdate)
	var order []string

	for _, m := range msgs {
		var ev devopsEvent
		if err := json.Unmarshal([]byte(m.Payload.Description), &ev); err != nil {
			f.logger.Warn("Skipping malformed devops event",
				"message_id", m.ID, "type", m.Type, "error", err)
			continue
		}
		if ev.ActivityID == "" {
			f.logger.Warn("Skipping devops event without activity id", "message_id", m.ID)
			continue
		}

		switch m.Type {
		case coordination.TypeDevOpsStarted:
			act := &Activity{
				ID:        ev.ActivityID,
				Operation: ev.Operation,
				Status:    StatusInProgress,
				StartedAt: m.Timestamp,
				Steps:     make([]Step, 0, len(ev.Steps)),
			}
			for _, name := range ev.Steps {
				act.Steps = append(act.Steps, Step{Name: name, Status: StepPending})
			}
			if _, seen := activities[ev.ActivityID]; !seen {
				order = append(order, ev.ActivityID)
			}
			activities[ev.ActivityID] = act

		case coordination.TypeDevOpsStepUpdate:
			updates[ev.ActivityID] = append(updates[ev.ActivityID], stepUpdate{
				step:      ev.Step,
				status:    StepStatus(ev.Status),
				timestamp: m.Timestamp,
			})

		case coordination.TypeDevOpsComplete:
			if act := activities[ev.ActivityID]; act != nil {
				act.Status = StatusCompleted
				ts := m.Timestamp
				act.CompletedAt = &ts
			}

		case coordination.TypeDevOpsFailed:
			if act := activities[ev.ActivityID]; act != nil {
				act.Status = StatusFailed
				ts := m.Timestamp
				act.CompletedAt = &ts
				act.Error = ev.Error
			}
		}
	}

	for id, act := range activities {
		applyStepUpdates(act, updates[id])
		finalizeSteps(act)
	}

	return partition(activities, order, limit)
}

// collect fetches recent messages for every devops type. Any query failure
// drops the whole projection to empty.
func (f *Folder) collect(ctx context.Context) []*coordination.Message {
	var msgs []*coordination.Message
	for _, t := range devopsTypes {
		batch, err := f.querier.Query(ctx, coordination.QueryFilter{
			MsgType: t,
			Limit:   fetchLimit,
		})
		if err != nil {
			f.logger.Warn("Activity projection query failed; returning empty view",
				"type", t, "error", err)
			return nil
		}
		msgs = append(msgs, batch...)
	}
	return msgs
}

// applyStepUpdates resolves buffered updates: per step name the latest
// observation wins. Leaving pending stamps started_at; entering completed or
// failed stamps completed_at.
func applyStepUpdates(act *Activity, ups []stepUpdate) {
	latest := make(map[string]stepUpdate)
	for _, u := range ups {
		prev, ok := latest[u.step]
		if !ok || !u.timestamp.Before(prev.timestamp) {
			latest[u.step] = u
		}
	}

	for i := range act.Steps {
		u, ok := latest[act.Steps[i].Name]
		if !ok {
			continue
		}
		act.Steps[i].Status = u.status
		if u.status != StepPending && act.Steps[i].StartedAt == nil {
			ts := u.timestamp
			act.Steps[i].StartedAt = &ts
		}
		if u.status == StepCompleted || u.status == StepFailed {
			ts := u.timestamp
			act.Steps[i].CompletedAt = &ts
		}
	}
}

// finalizeSteps reconciles step state with the activity's terminal state:
// completion promotes still-pending steps, failure marks running steps failed
// with the activity error.
func finalizeSteps(act *Activity) {
	if act.CompletedAt == nil {
		return
	}
	for i := range act.Steps {
		switch {
		case act.Status == StatusCompleted && act.Steps[i].Status == StepPending:
			act.Steps[i].Status = StepCompleted
			act.Steps[i].CompletedAt = act.CompletedAt
		case act.Status == StatusFailed && act.Steps[i].Status == StepRunning:
			act.Steps[i].Status = StepFailed
			act.Steps[i].CompletedAt = act.CompletedAt
			act.Steps[i].Error = act.Error
		}
	}
}

// partition splits the fold output into the single newest in-progress
// activity and the recent remainder, newest first.
func partition(activities map[string]*Activity, order []string, limit int) View {
	var current *Activity
	for _, id := range order {
		act := activities[id]
		if act.Status != StatusInProgress {
			continue
		}
		if current == nil || act.StartedAt.After(current.StartedAt) {
			current = act
		}
	}

	recent := make([]Activity, 0, len(activities))
	for _, id := range order {
		act := activities[id]
		if act == current {
			continue
		}
		recent = append(recent, *act)
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].StartedAt.After(recent[j].StartedAt)
	})
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}

	return View{Current: current, Recent: recent}
}
