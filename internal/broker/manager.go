package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"taskrelay/internal/domain"
)

// DialFunc opens a broker client. It need not verify reachability; the
// manager pings after dialing.
type DialFunc func(ctx context.Context) (Broker, error)

type ManagerOptions struct {
	RetryOnStartup bool
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HealthInterval time.Duration
	// OnStateChange, when set, is called with the new liveness after each change.
	OnStateChange func(connected bool)
}

func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		RetryOnStartup: true,
		MaxRetries:     10,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		HealthInterval: 5 * time.Second,
	}
}

// Manager owns the single live connection for one descriptor.
type Manager struct {
	dial DialFunc
	opts ManagerOptions
	log  zerolog.Logger

	mu        sync.RWMutex
	current   Broker
	connected bool
}

func NewManager(dial DialFunc, opts ManagerOptions, logger zerolog.Logger) *Manager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	return &Manager{
		dial: dial,
		opts: opts,
		log:  logger,
	}
}

// Connect establishes the initial connection. With RetryOnStartup it makes up
// to MaxRetries further attempts before giving up; the returned error is fatal
// to process startup.
func (m *Manager) Connect(ctx context.Context) error {
	var b retry.Backoff = retry.NewExponential(m.opts.InitialBackoff)
	b = retry.WithCappedDuration(m.opts.MaxBackoff, b)
	maxRetries := uint64(0)
	if m.opts.RetryOnStartup && m.opts.MaxRetries > 0 {
		maxRetries = uint64(m.opts.MaxRetries)
	}
	b = retry.WithMaxRetries(maxRetries, b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := m.attach(ctx); err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("broker connection failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to broker after %d attempts: %w", attempt, err)
	}
	m.log.Info().Int("attempt", attempt).Msg("broker connected")
	return nil
}

// Watch pings the broker every HealthInterval and reconnects indefinitely
// after a loss. It returns when ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	t := time.NewTicker(m.opts.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.check(ctx); err == nil || ctx.Err() != nil {
				continue
			}
			m.reconnect(ctx)
		}
	}
}

func (m *Manager) check(ctx context.Context) error {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		return ErrNotConnected
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.HealthInterval)
	defer cancel()
	if err := cur.Ping(pctx); err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("broker connection lost")
			m.setConnected(false)
		}
		return err
	}
	m.setConnected(true)
	return nil
}

func (m *Manager) reconnect(ctx context.Context) {
	var b retry.Backoff = retry.NewExponential(m.opts.InitialBackoff)
	b = retry.WithCappedDuration(m.opts.MaxBackoff, b)
	_ = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := m.attach(ctx); err != nil {
			m.log.Debug().Err(err).Msg("broker reconnect attempt failed")
			return retry.RetryableError(err)
		}
		m.log.Info().Msg("broker reconnected")
		return nil
	})
}

// attach dials a fresh client, pings it and swaps it in.
func (m *Manager) attach(ctx context.Context) error {
	br, err := m.dial(ctx)
	if err != nil {
		return err
	}
	if err := br.Ping(ctx); err != nil {
		_ = br.Close()
		return err
	}
	m.mu.Lock()
	old := m.current
	m.current = br
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	m.setConnected(true)
	return nil
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	changed := m.connected != v
	m.connected = v
	m.mu.Unlock()
	if changed && m.opts.OnStateChange != nil {
		m.opts.OnStateChange(v)
	}
}

// ErrNotConnected is the cause carried while no connection has been made.
var ErrNotConnected = errors.New("not connected")

// Broker returns the live broker, or a BrokerUnavailableError while the
// manager is disconnected or reconnecting.
func (m *Manager) Broker() (Broker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected || m.current == nil {
		return nil, &domain.BrokerUnavailableError{Op: "broker", Err: ErrNotConnected}
	}
	return m.current, nil
}

func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Manager) Close() error {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.connected = false
	m.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Close()
}

// Unavailable wraps err from a broker call as a BrokerUnavailableError unless
// it is already one or is a contract sentinel.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrBrokerUnavailable) ||
		errors.Is(err, ErrNoMessage) || errors.Is(err, ErrNoResult) || errors.Is(err, ErrAlreadyFinalized) {
		return err
	}
	return &domain.BrokerUnavailableError{Op: op, Err: err}
}
