package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Source yields captured audio chunks through a subscription callback. The
// engine treats capture as opaque; device drivers live behind this interface.
type Source interface {
	Subscribe(fn func(Chunk)) (Subscription, error)
}

// Subscription detaches a callback from its source. Unsubscribe is
// idempotent and returns after the callback can no longer be invoked.
type Subscription interface {
	Unsubscribe()
}

// TickerSource generates silent PCM chunks at capture rate. It stands in for
// a real capture device in development mode and in tests.
type TickerSource struct {
	SampleRate int
	Channels   int
	ChunkEvery time.Duration

	seq atomic.Uint64
}

// NewTickerSource returns a source producing one chunk per interval.
func NewTickerSource(sampleRate, channels int, chunkEvery time.Duration) *TickerSource {
	return &TickerSource{
		SampleRate: sampleRate,
		Channels:   channels,
		ChunkEvery: chunkEvery,
	}
}

func (s *TickerSource) Subscribe(fn func(Chunk)) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &tickerSubscription{cancel: cancel}
	sub.wg.Add(1)

	samples := int(s.ChunkEvery.Seconds() * float64(s.SampleRate))
	payload := samples * s.Channels * 2

	go func() {
		defer sub.wg.Done()
		ticker := time.NewTicker(s.ChunkEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				fn(Chunk{
					Sequence:   s.seq.Add(1),
					PCM:        make([]byte, payload),
					SampleRate: s.SampleRate,
					Channels:   s.Channels,
					Captured:   now,
				})
			}
		}
	}()

	return sub, nil
}

type tickerSubscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *tickerSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}
