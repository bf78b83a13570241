// Package pubsub fans node events out to in-process subscribers such as the
// websocket stream and the monitor output.
package pubsub

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Topic represents a subscription topic.
type Topic string

const (
	// TopicPortFrame carries a FrameEvent each time a port's merged output changes.
	TopicPortFrame Topic = "PORT_FRAME"
	// TopicInputFrame carries a FrameEvent for each changed frame received on an input port.
	TopicInputFrame Topic = "INPUT_FRAME"
	// TopicPortStatus carries port direction and running changes.
	TopicPortStatus Topic = "PORT_STATUS"
	// TopicRDM carries completed RDM transactions.
	TopicRDM Topic = "RDM_TRANSACTION"
)

// FrameEvent is the payload of the frame topics.
type FrameEvent struct {
	Port int    `json:"port"`
	Data []byte `json:"data"`
}

// Subscriber represents a subscription channel.
type Subscriber struct {
	ID      string
	Topic   Topic
	Filter  string // Optional filter value, usually a port number
	Channel chan interface{}
}

// PubSub manages subscriptions and message distribution.
type PubSub struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*Subscriber
	nextID      int
	dropped     atomic.Uint64
}

// New creates a new PubSub instance.
func New() *PubSub {
	return &PubSub{
		subscribers: make(map[Topic][]*Subscriber),
	}
}

// Subscribe creates a new subscription for a topic.
func (ps *PubSub) Subscribe(topic Topic, filter string, bufferSize int) *Subscriber {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.nextID++
	sub := &Subscriber{
		ID:      strconv.Itoa(ps.nextID),
		Topic:   topic,
		Filter:  filter,
		Channel: make(chan interface{}, bufferSize),
	}

	ps.subscribers[topic] = append(ps.subscribers[topic], sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (ps *PubSub) Unsubscribe(sub *Subscriber) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	subs := ps.subscribers[sub.Topic]
	for i, s := range subs {
		if s.ID == sub.ID {
			close(s.Channel)
			ps.subscribers[sub.Topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends a message to all subscribers of a topic.
// If filter is non-empty, only sends to subscribers with matching filter or empty filter.
// Slow subscribers lose messages rather than blocking the publisher.
func (ps *PubSub) Publish(topic Topic, filter string, message interface{}) {
	// held for the sends so Unsubscribe cannot close a channel mid-send
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for _, sub := range ps.subscribers[topic] {
		if sub.Filter == "" || filter == "" || sub.Filter == filter {
			ps.send(sub, message)
		}
	}
}

// PublishAll sends a message to all subscribers of a topic regardless of filter.
func (ps *PubSub) PublishAll(topic Topic, message interface{}) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for _, sub := range ps.subscribers[topic] {
		ps.send(sub, message)
	}
}

func (ps *PubSub) send(sub *Subscriber, message interface{}) {
	select {
	case sub.Channel <- message:
	default:
		ps.dropped.Add(1)
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (ps *PubSub) SubscriberCount(topic Topic) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// Dropped counts messages skipped because a subscriber's buffer was full.
func (ps *PubSub) Dropped() uint64 {
	return ps.dropped.Load()
}
