package progress

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// defaultBufferSize is the event channel capacity. Snapshots arrive roughly
// twice a second from ffmpeg, so even a briefly stalled consumer only loses
// intermediate values it could not have rendered anyway.
const defaultBufferSize = 16

// Option configures a Tracker.
type Option func(*Tracker)

// WithBufferSize sets the event channel capacity.
func WithBufferSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithRateLimit throttles event emission to at most limit events per second.
// Suppressed snapshots are dropped, not queued. The final snapshot is always
// delivered.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(t *Tracker) {
		t.limiter = rate.NewLimiter(limit, burst)
	}
}

// Tracker consumes a process's diagnostic stream and emits Progress events.
// A Tracker is single-use: Run may be called once, and Events is closed when
// the stream ends.
type Tracker struct {
	total   time.Duration
	buffer  int
	limiter *rate.Limiter

	events chan Progress

	// lastOutTime enforces non-decreasing event order even if the tool
	// rewinds its progress clock (seen with some concat inputs).
	lastOutTime time.Duration
}

// NewTracker creates a Tracker deriving completion percentages against total.
// A zero total disables percentage computation.
func NewTracker(total time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		total:  total,
		buffer: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.events = make(chan Progress, t.buffer)

	return t
}

// Events returns the channel Progress snapshots are delivered on. It is
// closed when the source stream ends.
func (t *Tracker) Events() <-chan Progress {
	return t.events
}

// Run reads the stream until EOF, emitting one Progress per progress block.
// Malformed or partial lines are skipped; they never fail the job. Run blocks
// and is intended to be driven from its own goroutine.
func (t *Tracker) Run(r io.Reader) {
	defer close(t.events)

	scanner := bufio.NewScanner(r)

	var current Progress
	var sawField bool

	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			// Diagnostic output interleaves with progress lines on the
			// same stream; anything that isn't key=value is not ours.
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "progress" {
			if sawField {
				current.Final = value == "end"
				t.emit(current)
			}
			current = Progress{}
			sawField = false
			continue
		}

		if parseField(&current, key, value) {
			sawField = true
		}
	}

	// A block terminated by EOF rather than a progress marker still counts.
	if sawField {
		t.emit(current)
	}
}

// parseField applies one key=value pair to p, reporting whether the key was
// recognised and well-formed.
func parseField(p *Progress, key, value string) bool {
	switch key {
	case "out_time_us", "out_time_ms":
		// Despite the name, ffmpeg emits microseconds for both keys.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return false
		}
		p.OutTime = time.Duration(us) * time.Microsecond

	case "out_time":
		d, ok := parseClock(value)
		if !ok {
			return false
		}
		p.OutTime = d

	case "frame":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return false
		}
		p.Frame = n

	case "fps":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return false
		}
		p.FPS = f

	case "speed":
		f, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		if err != nil || f < 0 {
			return false
		}
		p.Speed = f

	case "bitrate":
		f, err := strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64)
		if err != nil || f < 0 {
			return false
		}
		p.BitrateKbps = f

	default:
		return false
	}

	return true
}

// parseClock parses ffmpeg's HH:MM:SS.micros clock format.
func parseClock(value string) (time.Duration, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, false
	}

	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}

	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, false
	}

	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))

	return d, true
}

func (t *Tracker) emit(p Progress) {
	if p.OutTime < t.lastOutTime {
		return
	}
	t.lastOutTime = p.OutTime

	if t.total > 0 {
		p.Percent = min(100, p.OutTime.Seconds()/t.total.Seconds()*100)
	}
	if p.Final && t.total > 0 {
		p.Percent = 100
	}

	if t.limiter != nil && !p.Final && !t.limiter.Allow() {
		return
	}

	select {
	case t.events <- p:
	default:
		// Drop-oldest: evict the stalest snapshot to make room. If another
		// consumer races us for the slot, the new snapshot is dropped
		// instead, which is equally acceptable under this policy.
		select {
		case <-t.events:
		default:
		}

		select {
		case t.events <- p:
		default:
		}
	}
}
