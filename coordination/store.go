package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueryLimit bounds query results when the caller gives no limit.
const DefaultQueryLimit = 50

// Store owns the on-Redis representation of coordination messages. All
// mutation passes through it; every multi-key write runs in a transaction
// pipeline so its effects become visible together.
type Store struct {
	client      *redis.Client
	keys        Keys
	bus         *Bus
	ttl         time.Duration
	timelineMax int64
	logger      *slog.Logger
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// TTL is the message retention period.
	TTL time.Duration
	// TimelineMax bounds the timeline sorted set (trim on insert).
	TimelineMax int
}

// NewStore creates a Store over the given Redis client and key namespace.
// The bus handles the best-effort offline-queue side step after publish; it
// may be nil, in which case no offline queueing happens.
func NewStore(client *redis.Client, keys Keys, bus *Bus, opts StoreOptions, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:      client,
		keys:        keys,
		bus:         bus,
		ttl:         opts.TTL,
		timelineMax: int64(opts.TimelineMax),
		logger:      logger,
	}
}

// Publish writes a message to every index atomically: the message hash (with
// TTL), the timeline sorted set (trimmed to the configured bound), the
// recipient's inbox, the pending set when acknowledgement is required, and
// both pub/sub channels. A duplicate id fails before anything is written.
//
// After the transaction commits, non-broadcast messages go through the
// offline-queue side step; failures there are logged, never returned —
// publishing already succeeded.
func (s *Store) Publish(ctx context.Context, m *Message) error {
	msgKey := s.keys.Message(m.ID)

	exists, err := s.client.Exists(ctx, msgKey).Result()
	if err != nil {
		return WrapError(KindPublish, "check message id", err).WithDetail("message_id", m.ID)
	}
	if exists > 0 {
		return NewError(KindDuplicate, "message id already exists").WithDetail("message_id", m.ID)
	}

	notifData, err := NotificationFor(m).Encode()
	if err != nil {
		return WrapError(KindPublish, "encode notification", err).WithDetail("message_id", m.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKey, m.Hash())
	pipe.Expire(ctx, msgKey, s.ttl)
	pipe.ZAdd(ctx, s.keys.Timeline(), redis.Z{
		Score:  float64(m.Timestamp.Unix()),
		Member: m.ID,
	})
	// Keep only the newest timelineMax entries by rank.
	pipe.ZRemRangeByRank(ctx, s.keys.Timeline(), 0, -(s.timelineMax + 1))
	pipe.SAdd(ctx, s.keys.Inbox(m.ToInstance), m.ID)
	if m.RequiresAck {
		pipe.SAdd(ctx, s.keys.Pending(), m.ID)
	}
	pipe.Publish(ctx, s.keys.NotifyChannel(m.ToInstance), notifData)
	pipe.Publish(ctx, s.keys.BroadcastChannel(), notifData)

	if _, err := pipe.Exec(ctx); err != nil {
		return WrapError(KindPublish, "publish pipeline", err).WithDetail("message_id", m.ID)
	}

	messagesPublished.WithLabelValues(string(m.Type)).Inc()

	// Best-effort offline queueing; broadcasts are pub/sub only.
	if s.bus != nil && !m.IsBroadcast() {
		if err := s.bus.QueueIfOffline(ctx, m.ToInstance, notifData); err != nil {
			s.logger.Warn("Offline notification queueing failed",
				"message_id", m.ID,
				"to_instance", m.ToInstance,
				"error", err)
		}
	}

	return nil
}

// Acknowledge marks a message acknowledged. It is idempotent: acknowledging
// an already-acknowledged message returns true without writing, and a missing
// message returns false rather than an error.
func (s *Store) Acknowledge(ctx context.Context, id, by, comment string) (bool, error) {
	msgKey := s.keys.Message(id)

	fields, err := s.client.HMGet(ctx, msgKey, fieldID, fieldAcknowledged).Result()
	if err != nil {
		return false, WrapError(KindAcknowledge, "read message", err).WithDetail("message_id", id)
	}
	if fields[0] == nil {
		return false, nil
	}
	if ack, _ := fields[1].(string); ack == "1" {
		return true, nil
	}

	updates := map[string]any{
		fieldAcknowledged: "1",
		fieldAckBy:        by,
		fieldAckTimestamp: FormatTimestamp(time.Now()),
	}
	if comment != "" {
		updates[fieldAckComment] = comment
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, msgKey, updates)
	pipe.SRem(ctx, s.keys.Pending(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, WrapError(KindAcknowledge, "acknowledge pipeline", err).WithDetail("message_id", id)
	}

	messagesAcknowledged.Inc()
	return true, nil
}

// GetMessage reads one message by id. A missing or expired message returns
// nil, nil.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	h, err := s.client.HGetAll(ctx, s.keys.Message(id)).Result()
	if err != nil {
		return nil, WrapError(KindCoordination, "get message", err).WithDetail("message_id", id)
	}
	if len(h) == 0 {
		return nil, nil
	}
	m, err := MessageFromHash(h)
	if err != nil {
		return nil, WrapError(KindCoordination, "decode message", err).WithDetail("message_id", id)
	}
	return m, nil
}

// QueryFilter selects messages. All supplied filters apply conjunctively.
type QueryFilter struct {
	ToInstance   string
	FromInstance string
	MsgType      MessageType
	PendingOnly  bool
	Since        *time.Time
	Limit        int
}

// Query returns messages matching the filter, newest first. Candidate ids are
// seeded from the recipient inbox when set, intersected with the pending set
// when PendingOnly, and otherwise taken from the timeline. Ids whose hash has
// expired are skipped silently; they may still be indexed elsewhere.
func (s *Store) Query(ctx context.Context, f QueryFilter) ([]*Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	candidates, err := s.candidateIDs(ctx, f, limit)
	if err != nil {
		return nil, err
	}

	results := make([]*Message, 0, len(candidates))
	for _, id := range candidates {
		h, err := s.client.HGetAll(ctx, s.keys.Message(id)).Result()
		if err != nil {
			return nil, WrapError(KindCoordination, "query hydrate", err).WithDetail("message_id", id)
		}
		if len(h) == 0 {
			// TTL-expired entries may still be indexed elsewhere.
			continue
		}
		m, err := MessageFromHash(h)
		if err != nil {
			s.logger.Warn("Skipping undecodable message", "message_id", id, "error", err)
			continue
		}

		if f.FromInstance != "" && m.FromInstance != f.FromInstance {
			continue
		}
		if f.MsgType != "" && m.Type != f.MsgType {
			continue
		}
		if f.Since != nil && m.Timestamp.Before(*f.Since) {
			continue
		}

		results = append(results, m)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// candidateIDs resolves the seed id set for a query.
func (s *Store) candidateIDs(ctx context.Context, f QueryFilter, limit int) ([]string, error) {
	var candidates []string
	seeded := false

	if f.ToInstance != "" {
		ids, err := s.client.SMembers(ctx, s.keys.Inbox(f.ToInstance)).Result()
		if err != nil {
			return nil, WrapError(KindCoordination, "read inbox", err).WithDetail("to_instance", f.ToInstance)
		}
		candidates = ids
		seeded = true
	}

	if f.PendingOnly {
		pending, err := s.client.SMembers(ctx, s.keys.Pending()).Result()
		if err != nil {
			return nil, WrapError(KindCoordination, "read pending set", err)
		}
		if seeded {
			candidates = intersect(candidates, pending)
		} else {
			candidates = pending
			seeded = true
		}
	}

	if seeded {
		return candidates, nil
	}

	if f.Since != nil {
		ids, err := s.client.ZRangeByScore(ctx, s.keys.Timeline(), &redis.ZRangeBy{
			Min: fmt.Sprintf("%d", f.Since.Unix()),
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, WrapError(KindCoordination, "read timeline by score", err)
		}
		return ids, nil
	}

	// Over-fetch so post-hydration filters still fill the limit.
	ids, err := s.client.ZRevRange(ctx, s.keys.Timeline(), 0, int64(limit*2-1)).Result()
	if err != nil {
		return nil, WrapError(KindCoordination, "read timeline", err)
	}
	return ids, nil
}

// intersect returns the members of a that also appear in b, preserving a's
// order.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Stats summarizes substrate state.
type Stats struct {
	TotalMessages   int64          `json:"total_messages"`
	PendingAcks     int64          `json:"pending_acks"`
	ActiveInstances int            `json:"active_instances"`
	MessagesByType  map[string]int `json:"messages_by_type"`
}

// Stats reads timeline and pending cardinality in one round trip plus the
// live-instance count. MessagesByType is returned empty: no per-type counting
// index is maintained.
func (s *Store) Stats(ctx context.Context, presence *Presence) (*Stats, error) {
	pipe := s.client.Pipeline()
	timelineCard := pipe.ZCard(ctx, s.keys.Timeline())
	pendingCard := pipe.SCard(ctx, s.keys.Pending())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, WrapError(KindCoordination, "stats pipeline", err)
	}

	stats := &Stats{
		TotalMessages:  timelineCard.Val(),
		PendingAcks:    pendingCard.Val(),
		MessagesByType: make(map[string]int),
	}

	if presence != nil {
		instances, err := presence.GetPresence(ctx)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if inst.Active {
				stats.ActiveInstances++
			}
		}
	}

	return stats, nil
}
