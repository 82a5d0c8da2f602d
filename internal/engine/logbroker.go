package engine

import (
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans script log lines out to per-execution subscribers.
// It is safe for concurrent use.
//
// A topic lives only while it has subscribers or until Close. The broker
// keeps no record of finished executions; Engine.Subscribe checks the store
// so that late subscribers get a closed channel.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan model.LogLine
	nextID int
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives log lines for the given execution
// and an unsubscribe function. The channel is closed by Close.
func (b *LogBroker) Subscribe(executionID string) (<-chan model.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan model.LogLine)}
		b.topics[executionID] = t
	}

	ch := make(chan model.LogLine, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[executionID] == t {
			delete(b.topics, executionID)
		}
	}
}

// Publish sends a log line to every subscriber of line.ExecutionID.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[line.ExecutionID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close signals that no more lines will be published for the execution.
// All subscriber channels are closed and the topic is forgotten.
func (b *LogBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	delete(b.topics, executionID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// topicCount returns how many topics are live.
func (b *LogBroker) topicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
