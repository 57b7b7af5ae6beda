package presence

import (
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Ring tone shape: a generated sine burst, not a media file.
const (
	toneFrequency  = 440.0
	toneSampleRate = 8000
	toneBurstLen   = 900 * time.Millisecond
)

// Ringer produces a repeating audible ring pattern while an incoming call
// is pending. PCM frames (16-bit little-endian mono) are written to the
// sink at a fixed interval until Stop.
type Ringer struct {
	sink     io.Writer
	interval time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
}

func NewRinger(sink io.Writer, interval time.Duration, log *slog.Logger) *Ringer {
	if log == nil {
		log = slog.Default()
	}
	return &Ringer{sink: sink, interval: interval, log: log}
}

// Start begins ringing. Starting an already ringing Ringer is a no-op.
func (r *Ringer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	go r.ring(stop)
}

// Stop silences the ringer. Idempotent.
func (r *Ringer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	r.stop = nil
}

// Ringing reports whether the ring loop is active.
func (r *Ringer) Ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

func (r *Ringer) ring(stop chan struct{}) {
	burst := toneBurst(toneFrequency, toneSampleRate, toneBurstLen)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First burst plays immediately; the ticker paces repeats.
	for {
		if _, err := r.sink.Write(burst); err != nil {
			r.log.Error("presence: ring output", "err", err)
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// toneBurst renders one sine burst as 16-bit LE mono PCM.
func toneBurst(freq float64, sampleRate int, dur time.Duration) []byte {
	n := int(float64(sampleRate) * dur.Seconds())
	out := make([]byte, 0, n*2)
	step := 2 * math.Pi * freq / float64(sampleRate)
	for i := 0; i < n; i++ {
		sample := int16(math.Sin(step*float64(i)) * 0.4 * math.MaxInt16)
		out = append(out, byte(sample), byte(sample>>8))
	}
	return out
}
