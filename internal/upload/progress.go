package upload

import (
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
)

// subscriberBuffer is the channel capacity of each subscription. Events
// for a slow subscriber are dropped rather than blocking uploads.
const subscriberBuffer = 64

// Event is a status or progress change of one item.
type Event struct {
	ItemID   string              `json:"item_id"`
	Status   models.UploadStatus `json:"status"`
	Progress int                 `json:"progress"`
	Error    string              `json:"error,omitempty"`
	Time     time.Time           `json:"time"`
}

type broker struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func (b *broker) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}

	id := b.next
	b.next++

	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
