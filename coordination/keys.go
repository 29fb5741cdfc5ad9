// Package coordination implements the Redis-backed inter-instance
// coordination substrate: durable at-least-once messaging with pub/sub
// delivery, per-recipient inboxes, acknowledgement tracking, offline
// notification queues, and instance presence.
package coordination

import "strings"

// BroadcastInstance is the reserved recipient id for broadcast messages.
const BroadcastInstance = "all"

// Keys derives all Redis key and channel names used by the substrate from a
// configured prefix. Every name is colon-separated under the prefix so that
// multiple deployments can share one Redis database.
type Keys struct {
	prefix string
}

// NewKeys creates a Keys namer for the given prefix.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// Prefix returns the configured key prefix.
func (k Keys) Prefix() string {
	return k.prefix
}

// Message returns the hash key holding one message.
func (k Keys) Message(id string) string {
	return k.prefix + ":msg:" + id
}

// Timeline returns the global timeline sorted-set key.
func (k Keys) Timeline() string {
	return k.prefix + ":timeline"
}

// Inbox returns the per-recipient inbox set key.
func (k Keys) Inbox(instance string) string {
	return k.prefix + ":inbox:" + instance
}

// Pending returns the pending-acknowledgement set key.
func (k Keys) Pending() string {
	return k.prefix + ":pending"
}

// Presence returns the presence hash key.
func (k Keys) Presence() string {
	return k.prefix + ":presence"
}

// NotifyChannel returns the pub/sub channel for an instance.
func (k Keys) NotifyChannel(instance string) string {
	return k.prefix + ":notify:" + instance
}

// BroadcastChannel returns the pub/sub channel every instance may subscribe to.
func (k Keys) BroadcastChannel() string {
	return k.NotifyChannel(BroadcastInstance)
}

// OfflineQueue returns the per-instance offline notification list key.
func (k Keys) OfflineQueue(instance string) string {
	return k.prefix + ":notifications:" + instance
}

// Presence hash field suffixes. Fields pack "<instance_id>.<suffix>" so one
// hash holds every instance's presence record.
const (
	presenceFieldActive    = "active"
	presenceFieldHeartbeat = "last_heartbeat"
	presenceFieldSession   = "session_id"
)

// PresenceField packs an instance id and field suffix into a presence hash
// field name.
func PresenceField(instance, suffix string) string {
	return instance + "." + suffix
}

// SplitPresenceField splits a presence hash field into instance id and field
// suffix. The split is on the rightmost dot, so instance ids may themselves
// contain dots. Returns ok=false for fields with no dot.
func SplitPresenceField(field string) (instance, suffix string, ok bool) {
	i := strings.LastIndex(field, ".")
	if i < 0 {
		return "", "", false
	}
	return field[:i], field[i+1:], true
}
