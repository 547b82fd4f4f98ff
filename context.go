package unison

import (
	"sync"

	"github.com/google/uuid"
)

// ChannelHandle records the bookkeeping a ConnectionContext keeps per
// open channel: its name, the id used when it was opened, and its
// declared direction.
type ChannelHandle struct {
	Name      string
	StreamID  uint64
	Direction ChannelDirection
}

// ConnectionContext is the per-connection state shared (by strong
// reference) between the connection's orchestrator goroutine and every
// channel's receive goroutine for the lifetime of the connection: a
// UUID, an optional cached ServerIdentity, and the channel registry.
type ConnectionContext struct {
	ID uuid.UUID

	mu       sync.RWMutex
	identity *ServerIdentity
	channels map[string]ChannelHandle
}

// NewConnectionContext allocates a fresh context with a random UUID.
func NewConnectionContext() *ConnectionContext {
	return &ConnectionContext{
		ID:       uuid.New(),
		channels: make(map[string]ChannelHandle),
	}
}

// SetIdentity caches the server's self-description on this context.
func (c *ConnectionContext) SetIdentity(identity ServerIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := identity
	c.identity = &id
}

// Identity returns the cached ServerIdentity, if one has been received.
func (c *ConnectionContext) Identity() (ServerIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return ServerIdentity{}, false
	}
	return *c.identity, true
}

// RegisterChannel adds or replaces a channel's registry entry.
func (c *ConnectionContext) RegisterChannel(handle ChannelHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[handle.Name] = handle
}

// Channel looks up a channel's registry entry by name.
func (c *ConnectionContext) Channel(name string) (ChannelHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.channels[name]
	return h, ok
}

// RemoveChannel deletes a channel's registry entry, returning it if it
// existed.
func (c *ConnectionContext) RemoveChannel(name string) (ChannelHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.channels[name]
	if ok {
		delete(c.channels, name)
	}
	return h, ok
}

// ChannelNames returns every currently registered channel name.
func (c *ConnectionContext) ChannelNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	return names
}
