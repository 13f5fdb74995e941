package realtime

import (
	"context"
	"sync"
	"time"
)

// Topic names the kind of change a notification announces. Clients treat every
// topic as a cue to refetch; payloads are hints, not state.
type Topic string

const (
	TopicXPTotalChange   Topic = "xp-total-change"
	TopicTierChange      Topic = "tier-change"
	TopicDailyGoalResult Topic = "daily-goal-result"
	TopicResync          Topic = "resync"
	TopicHeartbeat       Topic = "heartbeat"

	defaultBufferSize = 16
)

// NotificationMessage is one transient push to a user's live connections.
// Revision is the ledger revision the message reflects; zero means unordered.
type NotificationMessage struct {
	UserID    string    `json:"-"`
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
	Revision  int64     `json:"revision"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Dispatcher fans notifications out to the subscribers of one user. Delivery
// is at-most-once: a full subscriber buffer drops the message, and a message
// older than one already delivered to the user is dropped rather than
// reordered.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]*userChannel
	// revisions keeps the last delivered revision of users with no live
	// connection so a reconnect does not accept older messages.
	revisions  map[string]int64
	nextID     int64
	bufferSize int
	clock      func() time.Time
}

type userChannel struct {
	mu           sync.Mutex
	subscribers  map[int64]*subscriber
	lastRevision int64
}

type subscriber struct {
	id     int64
	stream chan NotificationMessage
}

type Option func(*Dispatcher)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.bufferSize = size
		}
	}
}

// WithClock overrides the time source used for resync messages.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

func NewDispatcher(options ...Option) *Dispatcher {
	dispatcher := &Dispatcher{
		channels:   make(map[string]*userChannel),
		revisions:  make(map[string]int64),
		bufferSize: defaultBufferSize,
		clock:      time.Now,
	}
	for _, option := range options {
		option(dispatcher)
	}
	return dispatcher
}

// Subscribe registers a live connection for userID. A resync message is
// queued first so the client refetches whatever it missed while offline. The
// subscription ends when ctx is done or cancel is called.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan NotificationMessage, func()) {
	if userID == "" {
		ch := make(chan NotificationMessage)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		stream: make(chan NotificationMessage, d.bufferSize),
	}

	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	channel, ok := d.channels[userID]
	if !ok {
		channel = &userChannel{
			subscribers:  make(map[int64]*subscriber),
			lastRevision: d.revisions[userID],
		}
		d.channels[userID] = channel
		delete(d.revisions, userID)
	}
	channel.mu.Lock()
	channel.subscribers[sub.id] = sub
	sub.stream <- NotificationMessage{
		UserID:    userID,
		Topic:     TopicResync,
		Revision:  channel.lastRevision,
		EmittedAt: d.clock().UTC(),
	}
	channel.mu.Unlock()
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unsubscribe(userID, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to every live connection of its user without
// blocking. It reports how many subscribers accepted the message.
func (d *Dispatcher) Publish(message NotificationMessage) int {
	if message.UserID == "" || message.Topic == "" {
		return 0
	}
	d.mu.RLock()
	channel := d.channels[message.UserID]
	d.mu.RUnlock()
	if channel == nil {
		return 0
	}

	channel.mu.Lock()
	defer channel.mu.Unlock()
	if message.Revision > 0 {
		if message.Revision < channel.lastRevision {
			return 0
		}
		channel.lastRevision = message.Revision
	}
	delivered := 0
	for _, sub := range channel.subscribers {
		select {
		case sub.stream <- message:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount reports the live connections of userID.
func (d *Dispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	channel := d.channels[userID]
	d.mu.RUnlock()
	if channel == nil {
		return 0
	}
	channel.mu.Lock()
	defer channel.mu.Unlock()
	return len(channel.subscribers)
}

func (d *Dispatcher) unsubscribe(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel := d.channels[userID]
	if channel == nil {
		return
	}
	channel.mu.Lock()
	delete(channel.subscribers, subscriberID)
	empty := len(channel.subscribers) == 0
	lastRevision := channel.lastRevision
	channel.mu.Unlock()
	if empty {
		delete(d.channels, userID)
		if lastRevision > 0 {
			d.revisions[userID] = lastRevision
		}
	}
}
