package shmcam

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Emitter fans server events out to listeners as server-sent event strings.
// A listener that does not keep up misses events rather than stalling the sender.
type Emitter struct {
	mu        sync.Mutex
	listeners []chan string
}

func (e *Emitter) AddListener(ch chan string) {
	e.mu.Lock()
	e.listeners = append(e.listeners, ch)
	e.mu.Unlock()
}

func (e *Emitter) RemoveListener(ch chan string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.listeners {
		if e.listeners[i] == ch {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
}

// Emit sends v, JSON encoded, as event to every listener.
func (e *Emitter) Emit(event string, v interface{}) error {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s := fmt.Sprintf("event: %s\ndata: %s\n\n", event, b)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	return nil
}
