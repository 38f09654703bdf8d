package topology

import (
	"context"

	"github.com/dreamware/replicache/internal/codec"
	"github.com/dreamware/replicache/internal/function"
	"github.com/dreamware/replicache/internal/tasks"
)

// EventKind names a cache event.
type EventKind int

const (
	EventItemAdded EventKind = iota + 1
	EventItemUpdated
	EventItemRemoved
	EventCacheCleared
)

func (k EventKind) String() string {
	switch k {
	case EventItemAdded:
		return "item-added"
	case EventItemUpdated:
		return "item-updated"
	case EventItemRemoved:
		return "item-removed"
	case EventCacheCleared:
		return "cache-cleared"
	default:
		return "unknown"
	}
}

// Event is delivered to the EventListener of every member after a
// successful client write. Key is empty for EventCacheCleared.
type Event struct {
	Kind   EventKind `cbor:"1,keyasint"`
	Key    string    `cbor:"2,keyasint,omitempty"`
	Origin string    `cbor:"3,keyasint,omitempty"`
}

// EventListener receives cache events. It runs on a background worker and
// must not block for long.
type EventListener interface {
	OnEvent(ev Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(ev Event)

// OnEvent implements EventListener.
func (f EventListenerFunc) OnEvent(ev Event) { f(ev) }

// notify hands events to the task processor, which delivers them to the
// local listener and to every other member. Several events travel as one
// aggregate message.
func (c *Cache) notify(events ...Event) {
	if len(events) == 0 {
		return
	}
	for i := range events {
		events[i].Origin = string(c.local)
	}
	err := c.processor.Submit(tasks.Task{
		Name: "notify",
		Run: func(ctx context.Context) error {
			return c.deliverEvents(ctx, events)
		},
	})
	if err != nil {
		c.logger.Printf("dropping %d events: %v", len(events), err)
	}
}

func (c *Cache) deliverEvents(ctx context.Context, events []Event) error {
	if l := c.eventListener(); l != nil {
		for _, ev := range events {
			l.OnEvent(ev)
		}
	}

	others := without(c.membership.Members(), c.local)
	if len(others) == 0 {
		return nil
	}
	fns := make([]*function.Function, len(events))
	for i := range events {
		ev := events[i]
		fns[i] = function.New(OpNotifyEvent, &ev, false, "")
	}
	fn := fns[0]
	if len(fns) > 1 {
		fn = function.New(codec.AggregateOpcode, function.NewAggregate(fns...), false, "")
	}
	_, err := c.transport.Broadcast(ctx, others, fn, function.GetNone, c.cfg.OperationTimeout)
	return err
}
