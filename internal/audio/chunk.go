package audio

import "time"

// Chunk is the smallest unit of captured audio: an immutable 16-bit
// little-endian PCM buffer with its capture metadata. Producers must not
// mutate PCM after handing the chunk over.
type Chunk struct {
	Sequence   uint64
	PCM        []byte
	SampleRate int
	Channels   int
	Captured   time.Time
}

// Duration returns the play time covered by the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.PCM) / 2 / c.Channels
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// Batch is a time-windowed aggregation of chunks handed to an STT engine in
// one call. The batch processor owns it exclusively until then.
type Batch struct {
	Chunks []Chunk
}

// PCM concatenates the chunk payloads in order.
func (b Batch) PCM() []byte {
	size := 0
	for _, c := range b.Chunks {
		size += len(c.PCM)
	}
	out := make([]byte, 0, size)
	for _, c := range b.Chunks {
		out = append(out, c.PCM...)
	}
	return out
}

// Duration sums the chunk durations.
func (b Batch) Duration() time.Duration {
	var total time.Duration
	for _, c := range b.Chunks {
		total += c.Duration()
	}
	return total
}

// Start returns the capture time of the first chunk.
func (b Batch) Start() time.Time {
	if len(b.Chunks) == 0 {
		return time.Time{}
	}
	return b.Chunks[0].Captured
}

// SampleRate returns the sample rate of the batch, taken from its first
// chunk. Mixed-rate batches are not produced by the pipeline.
func (b Batch) SampleRate() int {
	if len(b.Chunks) == 0 {
		return 0
	}
	return b.Chunks[0].SampleRate
}

// Channels returns the channel count of the batch.
func (b Batch) Channels() int {
	if len(b.Chunks) == 0 {
		return 0
	}
	return b.Chunks[0].Channels
}
