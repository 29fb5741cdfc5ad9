package coordination

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// InstancePresence is one registered instance's presence record. Active
// reflects both the stored flag and heartbeat freshness.
type InstancePresence struct {
	InstanceID    string    `json:"instance_id"`
	Active        bool      `json:"active"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	SessionID     string    `json:"session_id,omitempty"`
}

// Presence tracks instance registration and heartbeats in a single Redis
// hash. Staleness is computed on read, never stored: an instance whose last
// heartbeat is older than the timeout reads as inactive regardless of its
// stored flag.
type Presence struct {
	client  *redis.Client
	keys    Keys
	timeout time.Duration
	logger  *slog.Logger
}

// NewPresence creates a presence tracker with the given staleness timeout.
func NewPresence(client *redis.Client, keys Keys, timeout time.Duration, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{client: client, keys: keys, timeout: timeout, logger: logger}
}

// Register marks an instance present, writing its active flag, heartbeat, and
// optional session id.
func (p *Presence) Register(ctx context.Context, instanceID, sessionID string) error {
	fields := map[string]any{
		PresenceField(instanceID, presenceFieldActive):    "1",
		PresenceField(instanceID, presenceFieldHeartbeat): FormatTimestamp(time.Now()),
	}
	if sessionID != "" {
		fields[PresenceField(instanceID, presenceFieldSession)] = sessionID
	}
	if err := p.client.HSet(ctx, p.keys.Presence(), fields).Err(); err != nil {
		return WrapError(KindPresence, "register instance", err).WithDetail("instance_id", instanceID)
	}
	p.logger.Debug("Registered instance", "instance_id", instanceID, "session_id", sessionID)
	return nil
}

// Heartbeat refreshes only the instance's heartbeat timestamp.
func (p *Presence) Heartbeat(ctx context.Context, instanceID string) error {
	field := PresenceField(instanceID, presenceFieldHeartbeat)
	if err := p.client.HSet(ctx, p.keys.Presence(), field, FormatTimestamp(time.Now())).Err(); err != nil {
		return WrapError(KindPresence, "heartbeat", err).WithDetail("instance_id", instanceID)
	}
	return nil
}

// Unregister removes all of the instance's presence fields.
func (p *Presence) Unregister(ctx context.Context, instanceID string) error {
	err := p.client.HDel(ctx, p.keys.Presence(),
		PresenceField(instanceID, presenceFieldActive),
		PresenceField(instanceID, presenceFieldHeartbeat),
		PresenceField(instanceID, presenceFieldSession),
	).Err()
	if err != nil {
		return WrapError(KindPresence, "unregister instance", err).WithDetail("instance_id", instanceID)
	}
	p.logger.Debug("Unregistered instance", "instance_id", instanceID)
	return nil
}

// GetPresence returns every registered instance keyed by id, with freshness
// applied: instances whose heartbeat is older than the timeout come back
// inactive.
func (p *Presence) GetPresence(ctx context.Context) (map[string]*InstancePresence, error) {
	raw, err := p.client.HGetAll(ctx, p.keys.Presence()).Result()
	if err != nil {
		return nil, WrapError(KindPresence, "read presence", err)
	}

	now := time.Now()
	instances := make(map[string]*InstancePresence)

	entry := func(id string) *InstancePresence {
		inst, ok := instances[id]
		if !ok {
			inst = &InstancePresence{InstanceID: id}
			instances[id] = inst
		}
		return inst
	}

	for field, value := range raw {
		id, suffix, ok := SplitPresenceField(field)
		if !ok {
			continue
		}
		switch suffix {
		case presenceFieldActive:
			entry(id).Active = value == "1"
		case presenceFieldHeartbeat:
			ts, err := ParseTimestamp(value)
			if err != nil {
				p.logger.Warn("Skipping malformed heartbeat", "instance_id", id, "value", value)
				continue
			}
			entry(id).LastHeartbeat = ts
		case presenceFieldSession:
			entry(id).SessionID = value
		}
	}

	for _, inst := range instances {
		if inst.LastHeartbeat.IsZero() || now.Sub(inst.LastHeartbeat) > p.timeout {
			inst.Active = false
		}
	}

	return instances, nil
}

// IsLive reports whether one instance is currently live.
func (p *Presence) IsLive(ctx context.Context, instanceID string) (bool, error) {
	instances, err := p.GetPresence(ctx)
	if err != nil {
		return false, err
	}
	inst, ok := instances[instanceID]
	return ok && inst.Active, nil
}
