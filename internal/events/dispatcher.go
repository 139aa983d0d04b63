package events

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
)

var errMissingType = errors.New("message missing type")

// Listener receives dispatched messages for a subscribed type.
type Listener func(Message)

type entry struct {
	id string
	fn Listener
}

// Dispatcher routes inbound messages to listeners registered per type.
// Listeners for a type run in registration order, then wildcard listeners.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]entry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: map[string][]entry{}}
}

// On registers a listener for msgType (or Wildcard) and returns an
// unsubscribe func that removes only this registration.
func (d *Dispatcher) On(msgType string, fn Listener) func() {
	id := uuid.NewString()

	d.mu.Lock()
	d.listeners[msgType] = append(d.listeners[msgType], entry{id: id, fn: fn})
	d.mu.Unlock()

	return func() { d.Off(msgType, id) }
}

// Off removes the listener registered under id for msgType. Other
// listeners for the same type stay registered.
func (d *Dispatcher) Off(msgType, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.listeners[msgType]
	for i, e := range entries {
		if e.id == id {
			d.listeners[msgType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(d.listeners[msgType]) == 0 {
		delete(d.listeners, msgType)
	}
}

// Dispatch delivers msg to its type listeners, then wildcard listeners.
// A panicking listener never prevents the others from running.
func (d *Dispatcher) Dispatch(msg Message) {
	for _, e := range d.snapshot(msg.Type) {
		invoke(e, msg)
	}
	if msg.Type == Wildcard {
		return
	}
	for _, e := range d.snapshot(Wildcard) {
		invoke(e, msg)
	}
}

func (d *Dispatcher) snapshot(msgType string) []entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]entry(nil), d.listeners[msgType]...)
}

func invoke(e entry, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("listener panic on %s: %v", msg.Type, r)
		}
	}()
	e.fn(msg)
}
