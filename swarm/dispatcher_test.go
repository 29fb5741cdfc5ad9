package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semswarm/config"
	"github.com/c360studio/semswarm/coordination"
)

// recordingPublisher captures lifecycle events instead of touching Redis.
type recordingPublisher struct {
	mu     sync.Mutex
	events []coordination.PublishParams
}

func (p *recordingPublisher) Publish(_ context.Context, params coordination.PublishParams) (*coordination.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, params)
	return &coordination.Message{ID: "msg-test0001", Type: params.Type}, nil
}

func (p *recordingPublisher) types() []coordination.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]coordination.MessageType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func testSwarmConfig() config.SwarmConfig {
	threshold := 0.8
	return config.SwarmConfig{
		KeyPrefix:                    "swarm",
		TaskTimeoutSeconds:           5,
		AggregateTimeoutSeconds:      5,
		MaxConcurrentSwarms:          2,
		DefaultReviewers:             []string{"security", "style"},
		ResultTTLSeconds:             3600,
		DuplicateSimilarityThreshold: &threshold,
	}
}

func successExecutor(findings map[string][]Finding) ReviewExecutor {
	return func(_ context.Context, _, _, reviewerType string) (*ReviewerResult, error) {
		return &ReviewerResult{
			ReviewerType: reviewerType,
			Status:       ReviewerSuccess,
			Findings:     findings[reviewerType],
		}, nil
	}
}

func TestRunSwarmHappyPath(t *testing.T) {
	store, _ := newTestStore(t)
	pub := &recordingPublisher{}

	findings := map[string][]Finding{
		"security": {finding("f1", "security", SeverityHigh, "security", "injection", "a.go", 3, 4)},
		"style":    {finding("f2", "style", SeverityLow, "style", "naming", "b.go", 9, 9)},
	}
	d := NewDispatcher(store, pub, successExecutor(findings), testSwarmConfig(), nil)

	sess, err := d.RunSwarm(context.Background(), "/src/parser", []string{"security", "style"})
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, sess.Status)
	require.NotNil(t, sess.CompletedAt)
	require.NotNil(t, sess.Report)
	assert.Equal(t, 2, sess.Report.TotalFindings)
	assert.ElementsMatch(t, []string{"security", "style"}, sess.Report.ReviewersCompleted)
	assert.Empty(t, sess.Report.ReviewersFailed)

	// Session state survives in the store.
	stored, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusComplete, stored.Status)
	require.NotNil(t, stored.Report)
	assert.Equal(t, 2, stored.Report.TotalFindings)

	// Lifecycle events: started, one per reviewer, complete.
	types := pub.types()
	assert.Contains(t, types, coordination.TypeSwarmStarted)
	assert.Contains(t, types, coordination.TypeSwarmComplete)
	count := 0
	for _, tp := range types {
		if tp == coordination.TypeSwarmReviewerComplete {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestRunSwarmPartialFailure(t *testing.T) {
	store, _ := newTestStore(t)
	pub := &recordingPublisher{}

	executor := func(_ context.Context, _, _, reviewerType string) (*ReviewerResult, error) {
		if reviewerType == "style" {
			return nil, errors.New("reviewer exploded")
		}
		return &ReviewerResult{
			ReviewerType: reviewerType,
			Status:       ReviewerSuccess,
			Findings:     []Finding{finding("f1", reviewerType, SeverityHigh, "security", "injection", "a.go", 3, 4)},
		}, nil
	}
	d := NewDispatcher(store, pub, executor, testSwarmConfig(), nil)

	sess, err := d.RunSwarm(context.Background(), "/src/parser", []string{"security", "style"})
	require.NoError(t, err)

	// One failed reviewer never fails the swarm.
	assert.Equal(t, StatusComplete, sess.Status)
	assert.Equal(t, []string{"security"}, sess.Report.ReviewersCompleted)
	assert.Equal(t, []string{"style"}, sess.Report.ReviewersFailed)
	assert.Equal(t, 1, sess.Report.TotalFindings)
	assert.Equal(t, "reviewer exploded", sess.Results["style"].ErrorMessage)
}

func TestRunSwarmReviewerPanic(t *testing.T) {
	store, _ := newTestStore(t)

	executor := func(_ context.Context, _, _, reviewerType string) (*ReviewerResult, error) {
		if reviewerType == "security" {
			panic("boom")
		}
		return &ReviewerResult{ReviewerType: reviewerType, Status: ReviewerSuccess}, nil
	}
	d := NewDispatcher(store, &recordingPublisher{}, executor, testSwarmConfig(), nil)

	sess, err := d.RunSwarm(context.Background(), "/src/parser", []string{"security", "style"})
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, sess.Status)
	assert.Equal(t, []string{"security"}, sess.Report.ReviewersFailed)
	assert.Contains(t, sess.Results["security"].ErrorMessage, "panicked")
}

func TestRunSwarmDefaultReviewers(t *testing.T) {
	store, _ := newTestStore(t)
	d := NewDispatcher(store, &recordingPublisher{}, successExecutor(nil), testSwarmConfig(), nil)

	sess, err := d.RunSwarm(context.Background(), "/src/parser", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"security", "style"}, sess.Reviewers)
}

func TestRunSwarmPathAllowlist(t *testing.T) {
	store, _ := newTestStore(t)
	cfg := testSwarmConfig()
	cfg.AllowedPathPrefixes = []string{"/src", "docs/**/*.md"}
	d := NewDispatcher(store, &recordingPublisher{}, successExecutor(nil), cfg, nil)

	tests := []struct {
		path string
		ok   bool
	}{
		{"/src/parser", true},
		{"docs/guide/intro.md", true},
		{"/etc/passwd", false},
		{"docs/guide/intro.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := d.RunSwarm(context.Background(), tt.path, []string{"security"})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRunSwarmAdmissionControl(t *testing.T) {
	store, _ := newTestStore(t)
	cfg := testSwarmConfig()
	cfg.MaxConcurrentSwarms = 1

	gate := make(chan struct{})
	executor := func(ctx context.Context, _, _, reviewerType string) (*ReviewerResult, error) {
		<-gate
		return &ReviewerResult{ReviewerType: reviewerType, Status: ReviewerSuccess}, nil
	}
	d := NewDispatcher(store, &recordingPublisher{}, executor, cfg, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.RunSwarm(context.Background(), "/src", []string{"security"})
	}()

	// Give the first swarm time to take the only slot.
	time.Sleep(100 * time.Millisecond)

	_, err := d.RunSwarm(context.Background(), "/src", []string{"security"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max concurrent swarms")

	close(gate)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("first swarm never finished")
	}
}

func TestRunSwarmTimeoutReportsMissingReviewers(t *testing.T) {
	store, _ := newTestStore(t)
	cfg := testSwarmConfig()
	cfg.TaskTimeoutSeconds = 1

	release := make(chan struct{})
	defer close(release)
	executor := func(ctx context.Context, _, _, reviewerType string) (*ReviewerResult, error) {
		if reviewerType == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &ReviewerResult{ReviewerType: reviewerType, Status: ReviewerSuccess}, nil
		}
		return &ReviewerResult{ReviewerType: reviewerType, Status: ReviewerSuccess}, nil
	}
	d := NewDispatcher(store, &recordingPublisher{}, executor, cfg, nil)

	sess, err := d.RunSwarm(context.Background(), "/src", []string{"security", "slow"})
	require.NoError(t, err)

	// The swarm completes on time with the slow reviewer reported failed.
	assert.Equal(t, StatusComplete, sess.Status)
	assert.Contains(t, sess.Report.ReviewersFailed, "slow")
	assert.Contains(t, sess.Report.ReviewersCompleted, "security")
}
