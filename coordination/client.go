package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/semswarm/config"
)

// Client is the public façade over the coordination substrate: store, bus,
// and presence behind one connection-scoped API.
type Client struct {
	redis      *redis.Client
	keys       Keys
	store      *Store
	presence   *Presence
	bus        *Bus
	instanceID string
	logger     *slog.Logger

	mu            sync.RWMutex
	connected     bool
	correlationID string
}

// NewClient builds a client for the given instance from coordination config.
// No connection is made until Connect.
func NewClient(cfg config.CoordinationConfig, instanceID string, logger *slog.Logger) (*Client, error) {
	if instanceID == "" {
		return nil, NewError(KindConfiguration, "instance id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, WrapError(KindConfiguration, "parse redis url", err)
	}

	rdb := redis.NewClient(opts)
	keys := NewKeys(cfg.KeyPrefix)
	presence := NewPresence(rdb, keys, cfg.PresenceTimeout(), logger)
	bus := NewBus(rdb, keys, presence, cfg.MessageTTL(), logger)
	store := NewStore(rdb, keys, bus, StoreOptions{
		TTL:         cfg.MessageTTL(),
		TimelineMax: cfg.TimelineMaxSize,
	}, logger)

	return &Client{
		redis:      rdb,
		keys:       keys,
		store:      store,
		presence:   presence,
		bus:        bus,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// InstanceID returns the instance this client speaks for.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Redis exposes the underlying connection for sibling stores that share it.
func (c *Client) Redis() *redis.Client {
	return c.redis
}

// Bus exposes the notification bus for subscription and queue draining.
func (c *Client) Bus() *Bus {
	return c.bus
}

// Presence exposes the presence tracker.
func (c *Client) Presence() *Presence {
	return c.presence
}

// Connect ping-verifies the backend and registers this instance. It fails if
// the backend is unreachable; nothing is registered in that case.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return WrapError(KindConnection, "ping redis", err)
	}
	if err := c.presence.Register(ctx, c.instanceID, sessionID); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("Coordination client connected",
		"instance_id", c.instanceID,
		"key_prefix", c.keys.Prefix())
	return nil
}

// Close unregisters the instance, clears per-scope state, and releases the
// Redis connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.correlationID = ""
	c.mu.Unlock()

	if err := c.presence.Unregister(ctx, c.instanceID); err != nil {
		c.logger.Warn("Unregister on close failed", "instance_id", c.instanceID, "error", err)
	}
	return c.redis.Close()
}

// Connected reports whether Connect has succeeded on this client.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetCorrelationID sets the cross-cutting log correlation id for this scope.
func (c *Client) SetCorrelationID(id string) {
	c.mu.Lock()
	c.correlationID = id
	c.mu.Unlock()
}

// CorrelationID returns the current correlation id.
func (c *Client) CorrelationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.correlationID
}

// Health is the health-check report.
type Health struct {
	Connected bool    `json:"connected"`
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	KeyPrefix string  `json:"key_prefix"`
	Error     string  `json:"error,omitempty"`
}

// HealthCheck measures one ping round trip. No retry.
func (c *Client) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	err := c.redis.Ping(ctx).Err()
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		return Health{
			Connected: false,
			Status:    "error",
			KeyPrefix: c.keys.Prefix(),
			Error:     err.Error(),
		}
	}
	return Health{
		Connected: true,
		Status:    "healthy",
		LatencyMS: latency,
		KeyPrefix: c.keys.Prefix(),
	}
}

// NewMessageID generates a message id in the form msg-<8 hex>.
func NewMessageID() string {
	return "msg-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// PublishParams name the inputs to Publish.
type PublishParams struct {
	// ID is optional; one is generated when empty. Supplied ids must be
	// unique — duplicates are rejected.
	ID          string
	Type        MessageType
	ToInstance  string
	Subject     string
	Description string
	RequiresAck bool
}

// Publish writes a coordination message from this instance and fans out its
// notification. It returns the published message.
func (c *Client) Publish(ctx context.Context, p PublishParams) (*Message, error) {
	id := p.ID
	if id == "" {
		id = NewMessageID()
	}
	if _, err := ParseMessageType(string(p.Type)); err != nil {
		return nil, WrapError(KindPublish, "validate message type", err)
	}
	if p.ToInstance == "" {
		return nil, NewError(KindPublish, "to_instance is required")
	}

	m := &Message{
		ID:           id,
		Type:         p.Type,
		FromInstance: c.instanceID,
		ToInstance:   p.ToInstance,
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		RequiresAck:  p.RequiresAck,
		Payload: Payload{
			Subject:     p.Subject,
			Description: p.Description,
		},
	}

	if err := c.store.Publish(ctx, m); err != nil {
		return nil, err
	}

	c.logger.Debug("Published message",
		"message_id", m.ID,
		"type", m.Type,
		"to_instance", m.ToInstance,
		"correlation_id", c.CorrelationID())
	return m, nil
}

// Acknowledge marks a message acknowledged by this instance.
func (c *Client) Acknowledge(ctx context.Context, messageID, comment string) (bool, error) {
	return c.store.Acknowledge(ctx, messageID, c.instanceID, comment)
}

// GetMessage reads one message; nil when absent.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	return c.store.GetMessage(ctx, messageID)
}

// Query returns messages matching the filter, newest first.
func (c *Client) Query(ctx context.Context, f QueryFilter) ([]*Message, error) {
	return c.store.Query(ctx, f)
}

// Stats summarizes substrate state.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	return c.store.Stats(ctx, c.presence)
}

// Heartbeat refreshes this instance's presence heartbeat.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.presence.Heartbeat(ctx, c.instanceID)
}

// ---------------------------------------------------------------------------
// Process-wide client singleton
// ---------------------------------------------------------------------------

var (
	globalMu     sync.Mutex
	globalClient *Client
)

// InitGlobal constructs the process-wide client on first call; later calls
// return the existing client and ignore the arguments.
func InitGlobal(cfg config.CoordinationConfig, instanceID string, logger *slog.Logger) (*Client, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient != nil {
		return globalClient, nil
	}
	client, err := NewClient(cfg, instanceID, logger)
	if err != nil {
		return nil, err
	}
	globalClient = client
	return globalClient, nil
}

// Global returns the process-wide client, or an error when InitGlobal has not
// run.
func Global() (*Client, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalClient == nil {
		return nil, fmt.Errorf("coordination client not initialized")
	}
	return globalClient, nil
}

// ResetGlobal clears the singleton. Test use only.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalClient = nil
}
