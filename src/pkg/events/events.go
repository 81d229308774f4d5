// Package events is a small in-process pub/sub dispatcher used to decouple
// the managers (recording, schedule, cleanup, ingest) from each other.
// Listeners run on a dedicated goroutine per dispatch, never on the media
// plane.
package events

import (
	"context"
	"sync"

	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/pkg/sentry"
)

type EventType string

// Event types dispatched inside the engine.
const (
	RecordingStarted   EventType = "RecordingStarted"
	RecordingStopped   EventType = "RecordingStopped"
	SegmentCompleted   EventType = "SegmentCompleted"
	CameraEventArrived EventType = "CameraEventArrived"
	SourceLost         EventType = "SourceLost"
	SourceRecovered    EventType = "SourceRecovered"
	CleanupCompleted   EventType = "CleanupCompleted"
)

type Event struct {
	Type   EventType
	Object interface{}
}

func NewEvent(eventType EventType, object interface{}) *Event {
	return &Event{Type: eventType, Object: object}
}

type EventListener struct {
	Handler func(event *Event)
}

func NewEventListener(handler func(event *Event)) *EventListener {
	return &EventListener{Handler: handler}
}

type Dispatcher interface {
	AddEventListener(eventType EventType, listener *EventListener)
	RemoveEventListener(eventType EventType, listener *EventListener)
	DispatchEvent(event *Event)
	Start(ctx context.Context) error
	Close(ctx context.Context)
}

func NewDispatcher(ctx context.Context) Dispatcher {
	d := &dispatcher{
		saver: make(map[EventType]map[*EventListener]struct{}),
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.EventDispatcher = d
	}
	return d
}

type dispatcher struct {
	lock  sync.RWMutex
	saver map[EventType]map[*EventListener]struct{}
	wg    sync.WaitGroup
}

func (d *dispatcher) Start(ctx context.Context) error { return nil }

func (d *dispatcher) Close(ctx context.Context) {
	d.wg.Wait()
}

func (d *dispatcher) AddEventListener(eventType EventType, listener *EventListener) {
	d.lock.Lock()
	defer d.lock.Unlock()
	listeners, ok := d.saver[eventType]
	if !ok {
		listeners = make(map[*EventListener]struct{})
		d.saver[eventType] = listeners
	}
	listeners[listener] = struct{}{}
}

func (d *dispatcher) RemoveEventListener(eventType EventType, listener *EventListener) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if listeners, ok := d.saver[eventType]; ok {
		delete(listeners, listener)
	}
}

func (d *dispatcher) DispatchEvent(event *Event) {
	if event == nil {
		return
	}
	d.lock.RLock()
	listeners := make([]*EventListener, 0, len(d.saver[event.Type]))
	for l := range d.saver[event.Type] {
		listeners = append(listeners, l)
	}
	d.lock.RUnlock()

	d.wg.Add(1)
	sentry.Go(func() {
		defer d.wg.Done()
		for _, l := range listeners {
			l.Handler(event)
		}
	})
}
