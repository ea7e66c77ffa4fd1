package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Reconnect delays used by DDP clients.
const (
	// InitialBackoff is the delay before the first redial.
	InitialBackoff = 1 * time.Second

	// MaxBackoff caps the redial delay.
	MaxBackoff = 5 * time.Minute

	// BackoffMultiplier grows the delay after every failed attempt.
	BackoffMultiplier = 2.2

	// JitterFactor spreads each delay by up to this fraction either way.
	JitterFactor = 0.5
)

// BackoffConfig customizes a Backoff. Zero durations and multiplier use the
// defaults above; a zero jitter disables it.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff computes exponential redial delays with jitter.
type Backoff struct {
	mu       sync.Mutex
	config   BackoffConfig
	current  time.Duration
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a backoff calculator.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Initial <= 0 {
		config.Initial = InitialBackoff
	}
	if config.Max <= 0 {
		config.Max = MaxBackoff
	}
	if config.Multiplier <= 1 {
		config.Multiplier = BackoffMultiplier
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}
	return &Backoff{
		config:  config,
		current: config.Initial,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.config.Jitter > 0 {
		spread := (b.rng.Float64()*2 - 1) * b.config.Jitter
		delay = time.Duration(float64(delay) * (1 + spread))
	}

	b.attempts++
	b.current = min(time.Duration(float64(b.current)*b.config.Multiplier), b.config.Max)
	return delay
}

// Reset starts over after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.config.Initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Redial connects to url, retrying with backoff until it succeeds or ctx
// is done.
func (c *Client) Redial(ctx context.Context, url string, backoff *Backoff) (*ClientConn, error) {
	for {
		conn, err := c.Connect(ctx, url)
		if err == nil {
			backoff.Reset()
			return conn, nil
		}

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
