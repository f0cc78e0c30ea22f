package client

import (
	"context"
	"sync"
	"time"
)

// DefaultRefreshInterval keeps well inside the server's 300 second lease
const DefaultRefreshInterval = 60 * time.Second

// EditSession holds the edit lock on one note and keeps its lease alive in
// the background until Close.
type EditSession struct {
	client   *Client
	noteID   int64
	interval time.Duration

	mu      sync.Mutex
	lock    *Lock
	lostErr error
	lost    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

type SessionOption func(*EditSession)

// RefreshInterval sets how often the lease is extended. It must be shorter than the lease.
func RefreshInterval(d time.Duration) SessionOption {
	return func(s *EditSession) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Begin acquires the edit lock on noteID and starts refreshing it. A lock held
// by someone else is reported as a 423 APIError naming the holder.
func (c *Client) Begin(ctx context.Context, noteID int64, opts ...SessionOption) (*EditSession, error) {
	s := &EditSession{
		client:   c,
		noteID:   noteID,
		interval: DefaultRefreshInterval,
		lost:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	lock, err := c.Lock(ctx, noteID)
	if err != nil {
		return nil, err
	}
	s.lock = lock

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.refreshLoop(loopCtx)

	return s, nil
}

func (s *EditSession) NoteID() int64 {
	return s.noteID
}

// Lock returns the most recently granted lease
func (s *EditSession) Lock() Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.lock
}

// Lost is closed when a refresh finds the lease gone: taken over by another
// user, expired or the note deleted.
func (s *EditSession) Lost() <-chan struct{} {
	return s.lost
}

// Err returns the refresh failure that closed Lost, if any
func (s *EditSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostErr
}

func (s *EditSession) refreshLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lock, err := s.client.RefreshLock(ctx, s.noteID)
			if err == nil {
				s.mu.Lock()
				s.lock = lock
				s.mu.Unlock()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// Network errors are retried on the next tick; the lease outlives several of them
			if IsLockHeld(err) || IsNotLockHolder(err) || IsNotFound(err) {
				s.mu.Lock()
				s.lostErr = err
				s.mu.Unlock()
				close(s.lost)
				return
			}
		}
	}
}

// Save writes the note under the held lock
func (s *EditSession) Save(ctx context.Context, req SaveNote) (*Note, error) {
	return s.client.SaveNote(ctx, s.noteID, req)
}

// Close stops refreshing and releases the lock. A lease that was already lost
// is not an error.
func (s *EditSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	err := s.client.Unlock(ctx, s.noteID)
	if err != nil && (IsNotLockHolder(err) || IsNotFound(err)) {
		return nil
	}
	return err
}
