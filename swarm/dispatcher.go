package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/semswarm/config"
	"github.com/c360studio/semswarm/coordination"
)

// ReviewExecutor runs one reviewer against a target. The actual reviewers
// live outside this package; the dispatcher only cares about their outcome.
type ReviewExecutor func(ctx context.Context, sessionID, targetPath, reviewerType string) (*ReviewerResult, error)

// EventPublisher publishes swarm lifecycle events onto the coordination
// substrate.
type EventPublisher interface {
	Publish(ctx context.Context, p coordination.PublishParams) (*coordination.Message, error)
}

// Dispatcher runs parallel reviewer swarms: one session per run, one
// concurrent task per reviewer, bounded completion wait, then aggregation
// into a unified report.
type Dispatcher struct {
	store      *Store
	publisher  EventPublisher
	aggregator *Aggregator
	executor   ReviewExecutor
	cfg        config.SwarmConfig
	logger     *slog.Logger

	// Admission control: bounds simultaneous sessions, not reviewer tasks.
	sem chan struct{}
}

// NewDispatcher creates a dispatcher. The executor runs each reviewer; the
// publisher emits lifecycle events.
func NewDispatcher(store *Store, publisher EventPublisher, executor ReviewExecutor, cfg config.SwarmConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		publisher:  publisher,
		aggregator: NewAggregator(cfg.SimilarityThreshold()),
		executor:   executor,
		cfg:        cfg,
		logger:     logger,
		sem:        make(chan struct{}, cfg.MaxConcurrentSwarms),
	}
}

// swarmEvent is the JSON description carried by swarm lifecycle messages.
type swarmEvent struct {
	SessionID  string   `json:"session_id"`
	TargetPath string   `json:"target_path,omitempty"`
	Reviewers  []string `json:"reviewers,omitempty"`
	Reviewer   string   `json:"reviewer,omitempty"`
	Status     string   `json:"status,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// RunSwarm dispatches one review swarm against targetPath. When reviewers is
// empty the configured defaults are used. Individual reviewer failures never
// abort peers; they surface as failed entries in the report. The returned
// session carries the unified report.
func (d *Dispatcher) RunSwarm(ctx context.Context, targetPath string, reviewers []string) (*Session, error) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	default:
		return nil, coordination.NewError(coordination.KindSwarm, "max concurrent swarms reached").
			WithDetail("max_concurrent_swarms", d.cfg.MaxConcurrentSwarms)
	}

	if err := d.checkTargetPath(targetPath); err != nil {
		return nil, err
	}

	if len(reviewers) == 0 {
		reviewers = d.cfg.DefaultReviewers
	}

	swarmsRun.Inc()

	sess := &Session{
		ID:         NewSessionID(),
		TargetPath: targetPath,
		Reviewers:  reviewers,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := d.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	d.publishEvent(ctx, coordination.TypeSwarmStarted,
		fmt.Sprintf("Swarm review started: %s", targetPath),
		swarmEvent{SessionID: sess.ID, TargetPath: targetPath, Reviewers: reviewers})

	if err := sess.Transition(StatusInProgress); err != nil {
		return nil, coordination.WrapError(coordination.KindSwarm, "transition session", err)
	}
	if err := d.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	d.logger.Info("Dispatching swarm",
		"session_id", sess.ID,
		"target_path", targetPath,
		"reviewers", reviewers)

	var wg sync.WaitGroup
	for _, reviewer := range reviewers {
		wg.Add(1)
		go func(reviewer string) {
			defer wg.Done()
			d.runReviewer(ctx, sess.ID, targetPath, reviewer)
		}(reviewer)
	}

	done, err := d.store.WaitForCompletion(ctx, sess.ID, reviewers, d.cfg.TaskTimeout(), time.Second)
	if err != nil {
		return nil, err
	}
	if !done {
		// Timeout is not an error: missing reviewers are reported as
		// failed, and their tasks keep running unmanaged.
		d.logger.Warn("Swarm wait timed out; aggregating partial results",
			"session_id", sess.ID,
			"timeout", d.cfg.TaskTimeout())
	} else {
		wg.Wait()
	}

	if err := d.aggregate(ctx, sess); err != nil {
		d.fail(ctx, sess, err)
		return nil, err
	}

	d.publishEvent(ctx, coordination.TypeSwarmComplete,
		fmt.Sprintf("Swarm review complete: %s", targetPath),
		swarmEvent{SessionID: sess.ID, TargetPath: targetPath, Status: string(StatusComplete)})

	return sess, nil
}

// runReviewer executes one reviewer task, capturing its outcome into the
// store. Panics and errors become failed results; peers are unaffected.
func (d *Dispatcher) runReviewer(ctx context.Context, sessionID, targetPath, reviewer string) {
	start := time.Now()
	result := d.executeReviewer(ctx, sessionID, targetPath, reviewer)
	result.ReviewerType = reviewer
	if result.DurationSeconds == 0 {
		result.DurationSeconds = time.Since(start).Seconds()
	}

	reviewerTasks.WithLabelValues(string(result.Status)).Inc()

	if err := d.store.StoreResult(ctx, sessionID, *result); err != nil {
		d.logger.Error("Failed to store reviewer result",
			"session_id", sessionID,
			"reviewer_type", reviewer,
			"error", err)
		return
	}

	d.publishEvent(ctx, coordination.TypeSwarmReviewerComplete,
		fmt.Sprintf("Reviewer %s complete", reviewer),
		swarmEvent{SessionID: sessionID, Reviewer: reviewer, Status: string(result.Status)})
}

// executeReviewer invokes the executor with panic isolation.
func (d *Dispatcher) executeReviewer(ctx context.Context, sessionID, targetPath, reviewer string) (result *ReviewerResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Reviewer panicked",
				"session_id", sessionID,
				"reviewer_type", reviewer,
				"panic", fmt.Sprint(r))
			result = &ReviewerResult{
				Status:       ReviewerFailed,
				ErrorMessage: fmt.Sprintf("reviewer panicked: %v", r),
			}
		}
	}()

	res, err := d.executor(ctx, sessionID, targetPath, reviewer)
	if err != nil {
		return &ReviewerResult{
			Status:       ReviewerFailed,
			ErrorMessage: err.Error(),
		}
	}
	if res == nil {
		return &ReviewerResult{Status: ReviewerSuccess}
	}
	if res.Status == "" {
		res.Status = ReviewerSuccess
	}
	return res
}

// aggregate collects reviewer results, builds the unified report, and
// completes the session. Any failure here fails the whole session.
func (d *Dispatcher) aggregate(ctx context.Context, sess *Session) error {
	aggCtx, cancel := context.WithTimeout(ctx, d.cfg.AggregateTimeout())
	defer cancel()

	if err := sess.Transition(StatusAggregating); err != nil {
		return coordination.WrapError(coordination.KindSwarm, "transition session", err)
	}
	if err := d.store.SaveSession(aggCtx, sess); err != nil {
		return err
	}

	results, err := d.store.GetResults(aggCtx, sess.ID)
	if err != nil {
		return err
	}

	sess.Results = results
	sess.Report = d.aggregator.Aggregate(sess, results)

	if err := sess.Transition(StatusComplete); err != nil {
		return coordination.WrapError(coordination.KindSwarm, "transition session", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	sess.CompletedAt = &now

	if err := d.store.SaveSession(aggCtx, sess); err != nil {
		return err
	}

	d.logger.Info("Swarm aggregation complete",
		"session_id", sess.ID,
		"total_findings", sess.Report.TotalFindings,
		"duplicates_removed", sess.Report.DuplicatesRemoved,
		"reviewers_failed", sess.Report.ReviewersFailed)
	return nil
}

// fail marks the session failed and publishes the failure event. The
// original error is returned by RunSwarm; failures here are only logged.
func (d *Dispatcher) fail(ctx context.Context, sess *Session, cause error) {
	swarmsFailed.Inc()
	sess.Status = StatusFailed
	if err := d.store.SaveSession(ctx, sess); err != nil {
		d.logger.Error("Failed to persist failed session", "session_id", sess.ID, "error", err)
	}
	d.publishEvent(ctx, coordination.TypeSwarmFailed,
		fmt.Sprintf("Swarm review failed: %s", sess.TargetPath),
		swarmEvent{SessionID: sess.ID, TargetPath: sess.TargetPath, Error: cause.Error()})
}

// publishEvent emits a lifecycle broadcast. Event publishing is best-effort:
// a substrate hiccup must not fail the swarm itself.
func (d *Dispatcher) publishEvent(ctx context.Context, msgType coordination.MessageType, subject string, event swarmEvent) {
	if d.publisher == nil {
		return
	}
	description, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Failed to encode swarm event", "session_id", event.SessionID, "error", err)
		return
	}
	_, err = d.publisher.Publish(ctx, coordination.PublishParams{
		Type:        msgType,
		ToInstance:  coordination.BroadcastInstance,
		Subject:     subject,
		Description: string(description),
	})
	if err != nil {
		d.logger.Warn("Failed to publish swarm event",
			"session_id", event.SessionID,
			"type", msgType,
			"error", err)
	}
}

// checkTargetPath validates the target against the allowed-path allowlist.
// Entries are plain prefixes or doublestar glob patterns; an empty allowlist
// allows everything.
func (d *Dispatcher) checkTargetPath(targetPath string) error {
	if len(d.cfg.AllowedPathPrefixes) == 0 {
		return nil
	}
	for _, allowed := range d.cfg.AllowedPathPrefixes {
		if strings.HasPrefix(targetPath, allowed) {
			return nil
		}
		if ok, err := doublestar.Match(allowed, targetPath); err == nil && ok {
			return nil
		}
	}
	return coordination.NewError(coordination.KindSwarm, "target path not allowed").
		WithDetail("target_path", targetPath)
}
