// Package bus carries workflow transition events between the engine and
// consumers such as the gateway's WebSocket fan-out. Payloads are JSON.
package bus

import (
	"strings"
	"sync"
)

// Handler consumes a raw event payload published on a subject.
type Handler func(subject string, payload []byte)

// Bus is a minimal publish/subscribe surface. Subjects are dot-separated;
// a trailing ">" token subscribes to everything below the prefix.
type Bus interface {
	Publish(subject string, payload []byte) error
	Subscribe(subject string, handler Handler) error
	Close()
}

// LocalBus is an in-process Bus for single-node runs and tests.
type LocalBus struct {
	mu   sync.RWMutex
	subs []localSub
}

type localSub struct {
	pattern string
	handler Handler
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(subject string, payload []byte) error {
	if subject == "" {
		return errEmptySubject
	}
	b.mu.RLock()
	subs := make([]localSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, sub := range subs {
		if subjectMatches(sub.pattern, subject) {
			sub.handler(subject, payload)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, handler Handler) error {
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errNilHandler
	}
	b.mu.Lock()
	b.subs = append(b.subs, localSub{pattern: subject, handler: handler})
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() {}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject || pattern == ">" {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">"))
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	if len(pp) != len(sp) {
		return false
	}
	for i := range pp {
		if pp[i] != "*" && pp[i] != sp[i] {
			return false
		}
	}
	return true
}
