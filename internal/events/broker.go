// Package events fans job status changes and output chunks out to
// subscribers, typically SSE streams of the HTTP layer.
package events

import (
	"sync"
	"time"

	"github.com/jobd-dev/jobd/internal/model"
)

type Kind string

const (
	KindStatus Kind = "status"
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
)

// Event is a single notification. Data is set for output events only.
type Event struct {
	JobID  string       `json:"jobId"`
	Kind   Kind         `json:"kind"`
	Status model.Status `json:"status,omitempty"`
	Data   []byte       `json:"data,omitempty"`
	Time   time.Time    `json:"time"`
}

// Publisher is what the job store and the runner emit to.
type Publisher interface {
	PublishStatus(jobID string, status model.Status, at time.Time)
	PublishOutput(jobID string, kind Kind, data []byte, at time.Time)
}

// Broker delivers events without ever blocking the publisher. A subscriber
// which can't keep up is dropped and its channel is closed.
type Broker struct {
	mx     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

type Subscription struct {
	broker *Broker
	jobID  string
	ch     chan Event
}

// Subscribe registers for events of jobID, or of all jobs when jobID is
// empty. A buffer < 1 is treated as 1.
func (b *Broker) Subscribe(jobID string, buffer int) *Subscription {
	buffer = max(buffer, 1)
	sub := &Subscription{
		broker: b,
		jobID:  jobID,
		ch:     make(chan Event, buffer),
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// C is closed when the subscription ends for any reason.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.drop(s)
}

func (b *Broker) drop(s *Subscription) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *Broker) PublishStatus(jobID string, status model.Status, at time.Time) {
	b.publish(Event{JobID: jobID, Kind: KindStatus, Status: status, Time: at})
}

// PublishOutput copies nothing: data must not be modified after the call.
func (b *Broker) PublishOutput(jobID string, kind Kind, data []byte, at time.Time) {
	b.publish(Event{JobID: jobID, Kind: kind, Data: data, Time: at})
}

func (b *Broker) publish(e Event) {
	b.mx.Lock()
	defer b.mx.Unlock()
	for sub := range b.subs {
		if sub.jobID != "" && sub.jobID != e.JobID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// Close ends all subscriptions. Publishing afterwards is a no-op.
func (b *Broker) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishStatus(string, model.Status, time.Time) {}
func (Nop) PublishOutput(string, Kind, []byte, time.Time) {}
