// Package channels connects chat platforms to the relay: each channel
// publishes normalized room events on the bus and implements relay.Platform
// for the replies.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/relay"
)

type Channel interface {
	relay.Platform
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

type BaseChannel struct {
	bus     *bus.MessageBus
	running atomic.Bool
	name    string
}

func NewBaseChannel(name string, bus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{
		bus:  bus,
		name: name,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// PublishEvent stamps the channel name on ev and hands it to the relay.
// Allow-list and trigger checks are left to the relay.
func (c *BaseChannel) PublishEvent(ev bus.InboundEvent) {
	ev.Channel = c.name
	if err := ev.Validate(); err != nil {
		logger.DebugCF(c.name, "Dropping malformed event", map[string]interface{}{
			"room_id": ev.RoomID,
			"error":   err.Error(),
		})
		return
	}
	c.bus.PublishInbound(ev)
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
