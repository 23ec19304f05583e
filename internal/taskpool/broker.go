package taskpool

import "sync"

// subscriberBufferSize is the channel buffer for each output subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OutputBroker streams task output lines to subscribers, keyed by the task's
// ledger id. It is safe for concurrent use and shared by every manager of a
// run.
//
// Closed topics are kept as markers so that a subscriber arriving after the
// task finished gets a closed channel instead of blocking forever. Forget
// drops the markers once their tasks leave the manager.
type OutputBroker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewOutputBroker creates an empty broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		topics: make(map[string]*outputTopic),
	}
}

// Subscribe returns a channel receiving the output lines of taskID and an
// unsubscribe function. If the task's output already ended, the returned
// channel is closed.
func (b *OutputBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Publish sends a line to all subscribers of taskID, dropping it for
// subscribers whose buffers are full.
func (b *OutputBroker) Publish(taskID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the output of taskID. Subscriber channels are closed and later
// subscriptions receive a closed channel.
func (b *OutputBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &outputTopic{subs: make(map[int]chan string), closed: true}
		return
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the closed markers of the given tasks. Open topics are left
// alone.
func (b *OutputBroker) Forget(taskIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range taskIDs {
		if t, ok := b.topics[id]; ok && t.closed {
			delete(b.topics, id)
		}
	}
}

// Topics returns the number of topics the broker tracks, closed markers
// included.
func (b *OutputBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// CloseAll ends every open topic.
func (b *OutputBroker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		if t.closed {
			continue
		}
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
}
