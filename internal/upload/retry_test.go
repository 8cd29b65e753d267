package upload

import (
	"sync"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 5 * time.Second},
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{3, 40 * time.Second},
		{6, 5 * time.Minute},
		{64, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.n), "n=%d", tt.n)
	}
}

func TestBackoff_Due(t *testing.T) {
	b := DefaultBackoff()
	last := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		item models.QueuedMediaItem
		now  time.Time
		want bool
	}{
		{"pending", models.QueuedMediaItem{Status: models.StatusPending}, last, true},
		{"uploading", models.QueuedMediaItem{Status: models.StatusUploading}, last, false},
		{"uploaded", models.QueuedMediaItem{Status: models.StatusUploaded}, last, false},
		{"terminal", models.QueuedMediaItem{Status: models.StatusFailed, Terminal: true}, last.Add(time.Hour), false},
		{
			"inside first window",
			models.QueuedMediaItem{Status: models.StatusFailed, RetryCount: 1, LastAttemptAt: last},
			last.Add(4 * time.Second),
			false,
		},
		{
			"after first window",
			models.QueuedMediaItem{Status: models.StatusFailed, RetryCount: 1, LastAttemptAt: last},
			last.Add(5 * time.Second),
			true,
		},
		{
			"third failure waits longer",
			models.QueuedMediaItem{Status: models.StatusFailed, RetryCount: 3, LastAttemptAt: last},
			last.Add(15 * time.Second),
			false,
		},
		{
			"counts only since manual retry",
			models.QueuedMediaItem{Status: models.StatusFailed, RetryCount: 7, RetryBase: 6, LastAttemptAt: last},
			last.Add(5 * time.Second),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Due(&tt.item, tt.now))
		})
	}
}

// --- broker ---

func TestBroker_FanOut(t *testing.T) {
	var b broker

	a, stopA := b.subscribe()
	c, stopC := b.subscribe()
	defer stopC()

	b.publish(Event{ItemID: "x", Progress: 10})

	assert.Equal(t, "x", (<-a).ItemID)
	assert.Equal(t, 10, (<-c).Progress)

	stopA()
	stopA()

	_, open := <-a
	assert.False(t, open)

	b.publish(Event{ItemID: "y"})
	assert.Equal(t, "y", (<-c).ItemID)
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	var b broker

	ch, stop := b.subscribe()
	defer stop()

	for i := 0; i < subscriberBuffer*2; i++ {
		b.publish(Event{Progress: i})
	}

	assert.Len(t, ch, subscriberBuffer)
}

// --- keyedMutex ---

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex

	require.True(t, k.TryLock("a"))
	assert.False(t, k.TryLock("a"))
	assert.True(t, k.TryLock("b"))

	k.Unlock("a")
	assert.True(t, k.TryLock("a"))
}

func TestKeyedMutex_Concurrent(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if k.TryLock("item") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
