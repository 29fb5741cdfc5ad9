package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/semswarm/coordination"
)

// Session hash field names.
const (
	fieldID          = "id"
	fieldTargetPath  = "target_path"
	fieldStatus      = "status"
	fieldCreatedAt   = "created_at"
	fieldCompletedAt = "completed_at"
	fieldReviewers   = "reviewers"
	fieldResults     = "results"
	fieldReport      = "unified_report"
)

// Store holds swarm session state in Redis: the session hash, a per-reviewer
// results hash, and a progress set of completed reviewer types. Every
// satellite key carries the same TTL.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a swarm store under the given key prefix.
func NewStore(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *Store) sessionKey(sid string) string {
	return s.prefix + ":session:" + sid
}

func (s *Store) resultsKey(sid string) string {
	return s.prefix + ":results:" + sid
}

func (s *Store) progressKey(sid string) string {
	return s.prefix + ":progress:" + sid
}

// sessionHash flattens a session for HSET. Reviewers, results, and the
// unified report are JSON sub-fields.
func sessionHash(sess *Session) (map[string]any, error) {
	reviewers, err := json.Marshal(sess.Reviewers)
	if err != nil {
		return nil, fmt.Errorf("marshal reviewers: %w", err)
	}

	h := map[string]any{
		fieldID:         sess.ID,
		fieldTargetPath: sess.TargetPath,
		fieldStatus:     string(sess.Status),
		fieldCreatedAt:  coordination.FormatTimestamp(sess.CreatedAt),
		fieldReviewers:  string(reviewers),
	}
	if sess.CompletedAt != nil {
		h[fieldCompletedAt] = coordination.FormatTimestamp(*sess.CompletedAt)
	}
	if sess.Results != nil {
		results, err := json.Marshal(sess.Results)
		if err != nil {
			return nil, fmt.Errorf("marshal results: %w", err)
		}
		h[fieldResults] = string(results)
	}
	if sess.Report != nil {
		report, err := json.Marshal(sess.Report)
		if err != nil {
			return nil, fmt.Errorf("marshal unified report: %w", err)
		}
		h[fieldReport] = string(report)
	}
	return h, nil
}

// SaveSession writes the full session hash and refreshes its TTL.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	h, err := sessionHash(sess)
	if err != nil {
		return coordination.WrapError(coordination.KindSwarm, "encode session", err).WithDetail("session_id", sess.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.sessionKey(sess.ID), h)
	pipe.Expire(ctx, s.sessionKey(sess.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return coordination.WrapError(coordination.KindSwarm, "save session", err).WithDetail("session_id", sess.ID)
	}
	return nil
}

// GetSession reads a session by id; nil when absent.
func (s *Store) GetSession(ctx context.Context, sid string) (*Session, error) {
	h, err := s.client.HGetAll(ctx, s.sessionKey(sid)).Result()
	if err != nil {
		return nil, coordination.WrapError(coordination.KindSwarm, "get session", err).WithDetail("session_id", sid)
	}
	if len(h) == 0 {
		return nil, nil
	}

	createdAt, err := coordination.ParseTimestamp(h[fieldCreatedAt])
	if err != nil {
		return nil, coordination.WrapError(coordination.KindSwarm, "decode session", err).WithDetail("session_id", sid)
	}

	sess := &Session{
		ID:         h[fieldID],
		TargetPath: h[fieldTargetPath],
		Status:     SessionStatus(h[fieldStatus]),
		CreatedAt:  createdAt,
	}

	if raw := h[fieldCompletedAt]; raw != "" {
		completedAt, err := coordination.ParseTimestamp(raw)
		if err != nil {
			return nil, coordination.WrapError(coordination.KindSwarm, "decode session", err).WithDetail("session_id", sid)
		}
		sess.CompletedAt = &completedAt
	}
	if raw := h[fieldReviewers]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Reviewers); err != nil {
			return nil, coordination.WrapError(coordination.KindSwarm, "decode reviewers", err).WithDetail("session_id", sid)
		}
	}
	if raw := h[fieldResults]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Results); err != nil {
			return nil, coordination.WrapError(coordination.KindSwarm, "decode results", err).WithDetail("session_id", sid)
		}
	}
	if raw := h[fieldReport]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Report); err != nil {
			return nil, coordination.WrapError(coordination.KindSwarm, "decode unified report", err).WithDetail("session_id", sid)
		}
	}

	return sess, nil
}

// StoreResult records one reviewer's result and marks the reviewer complete
// in the progress set, in one transaction.
func (s *Store) StoreResult(ctx context.Context, sid string, result ReviewerResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return coordination.WrapError(coordination.KindSwarm, "encode reviewer result", err).
			WithDetail("session_id", sid).
			WithDetail("reviewer_type", result.ReviewerType)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.resultsKey(sid), result.ReviewerType, data)
	pipe.Expire(ctx, s.resultsKey(sid), s.ttl)
	pipe.SAdd(ctx, s.progressKey(sid), result.ReviewerType)
	pipe.Expire(ctx, s.progressKey(sid), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return coordination.WrapError(coordination.KindSwarm, "store reviewer result", err).
			WithDetail("session_id", sid).
			WithDetail("reviewer_type", result.ReviewerType)
	}
	return nil
}

// GetResults reads all stored reviewer results for a session, keyed by
// reviewer type.
func (s *Store) GetResults(ctx context.Context, sid string) (map[string]ReviewerResult, error) {
	raw, err := s.client.HGetAll(ctx, s.resultsKey(sid)).Result()
	if err != nil {
		return nil, coordination.WrapError(coordination.KindSwarm, "get reviewer results", err).WithDetail("session_id", sid)
	}

	results := make(map[string]ReviewerResult, len(raw))
	for reviewer, data := range raw {
		var r ReviewerResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			s.logger.Warn("Skipping undecodable reviewer result",
				"session_id", sid, "reviewer_type", reviewer, "error", err)
			continue
		}
		results[reviewer] = r
	}
	return results, nil
}

// CompletedReviewers returns the reviewer types that have reported.
func (s *Store) CompletedReviewers(ctx context.Context, sid string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.progressKey(sid)).Result()
	if err != nil {
		return nil, coordination.WrapError(coordination.KindSwarm, "read progress", err).WithDetail("session_id", sid)
	}
	return members, nil
}

// WaitForCompletion polls the progress set until it covers every expected
// reviewer or the timeout elapses. It returns true on completion, false on
// timeout; an empty expected list completes immediately.
func (s *Store) WaitForCompletion(ctx context.Context, sid string, expected []string, timeout, pollInterval time.Duration) (bool, error) {
	if len(expected) == 0 {
		return true, nil
	}
	// A non-positive timeout degenerates to a single progress check.
	if timeout <= 0 {
		return s.progressCovers(ctx, sid, expected)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if pollInterval > timeout {
		pollInterval = timeout
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		done, err := s.progressCovers(ctx, sid, expected)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// progressCovers reports whether the progress set is a superset of expected.
func (s *Store) progressCovers(ctx context.Context, sid string, expected []string) (bool, error) {
	completed, err := s.CompletedReviewers(ctx, sid)
	if err != nil {
		return false, err
	}
	set := make(map[string]struct{}, len(completed))
	for _, r := range completed {
		set[r] = struct{}{}
	}
	for _, r := range expected {
		if _, ok := set[r]; !ok {
			return false, nil
		}
	}
	return true, nil
}
