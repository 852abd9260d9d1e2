// Package queue implements the multi-channel queue that connects the session
// goroutine with its network, keep-alive and worker goroutines.
//
// A Queue holds a fixed set of named channels. Producers append to the tail of
// a channel, or push to its head for priority items. Consumers select over a
// subset of channels in priority order: Get returns the first item found when
// scanning the requested channels in the order they were given.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ef-ds/deque"
)

// ErrEmpty is returned by TryGet when none of the requested channels hold an
// item.
var ErrEmpty = errors.New("queue is empty")

// ErrNoChannels is returned by Get and TryGet when called without channels.
var ErrNoChannels = errors.New("no channels to get from")

// UnknownChannelError is returned when a caller refers to a channel that the
// queue wasn't constructed with.
type UnknownChannelError struct {
	Channel string
}

func (err UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown queue channel %q", err.Channel)
}

// Item is a value retrieved from the queue, tagged with the channel it was
// stored in.
type Item struct {
	Channel string
	Value   interface{}
}

// Queue is a blocking queue with multiple named channels.
type Queue struct {
	mu       sync.Mutex
	channels map[string]*deque.Deque

	// wake is closed and replaced every time an item is added, which wakes up
	// all blocked getters so they can rescan their channels.
	wake chan struct{}
}

// New creates a queue with the given channels.
func New(channels ...string) *Queue {
	q := &Queue{
		channels: map[string]*deque.Deque{},
		wake:     make(chan struct{}),
	}
	for _, name := range channels {
		q.channels[name] = deque.New()
	}
	return q
}

// Put appends `value` to the tail of `channel`.
func (q *Queue) Put(channel string, value interface{}) error {
	return q.insert(channel, value, false)
}

// Append is an alias for Put.
func (q *Queue) Append(channel string, value interface{}) error {
	return q.Put(channel, value)
}

// PutFront pushes `value` to the head of `channel`, so that it's the next item
// returned from that channel.
func (q *Queue) PutFront(channel string, value interface{}) error {
	return q.insert(channel, value, true)
}

// AppendLeft is an alias for PutFront.
func (q *Queue) AppendLeft(channel string, value interface{}) error {
	return q.PutFront(channel, value)
}

func (q *Queue) insert(channel string, value interface{}, front bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.channels[channel]
	if !ok {
		return UnknownChannelError{channel}
	}

	if front {
		d.PushFront(value)
	} else {
		d.PushBack(value)
	}

	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

// Get returns the first item available when scanning `channels` in order. If
// none of them hold an item, it blocks until one does, or until `ctx` is done.
// It returns ErrNoChannels rather than blocking if `channels` is empty.
func (q *Queue) Get(ctx context.Context, channels ...string) (Item, error) {
	for {
		q.mu.Lock()
		item, err := q.popLocked(channels)
		wake := q.wake
		q.mu.Unlock()

		if err != ErrEmpty {
			return item, err
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// TryGet is the non-blocking version of Get. It returns ErrEmpty if none of
// the channels hold an item.
func (q *Queue) TryGet(channels ...string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(channels)
}

func (q *Queue) popLocked(channels []string) (Item, error) {
	if len(channels) == 0 {
		return Item{}, ErrNoChannels
	}

	for _, name := range channels {
		d, ok := q.channels[name]
		if !ok {
			return Item{}, UnknownChannelError{name}
		}

		if value, ok := d.PopFront(); ok {
			return Item{Channel: name, Value: value}, nil
		}
	}
	return Item{}, ErrEmpty
}

// Empty returns whether all of the given channels are empty. If no channels
// are given, all channels are checked.
func (q *Queue) Empty(channels ...string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.selectLocked(channels) {
		if d.Len() != 0 {
			return false
		}
	}
	return true
}

// Len returns the number of items stored in `channel`.
func (q *Queue) Len(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d, ok := q.channels[channel]; ok {
		return d.Len()
	}
	return 0
}

// Clear drops every item in the given channels. If no channels are given, all
// channels are cleared.
func (q *Queue) Clear(channels ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.selectLocked(channels) {
		d.Init()
	}
}

// Drain removes and returns every item in `channel`, head first.
func (q *Queue) Drain(channel string) []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.channels[channel]
	if !ok {
		return nil
	}

	var values []interface{}
	for {
		value, ok := d.PopFront()
		if !ok {
			return values
		}
		values = append(values, value)
	}
}

func (q *Queue) selectLocked(channels []string) (selected []*deque.Deque) {
	if len(channels) == 0 {
		for _, d := range q.channels {
			selected = append(selected, d)
		}
		return selected
	}

	for _, name := range channels {
		if d, ok := q.channels[name]; ok {
			selected = append(selected, d)
		}
	}
	return selected
}
