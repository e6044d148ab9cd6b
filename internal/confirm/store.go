// Package confirm holds outbound messages until the user approves them by SMS.
package confirm

import (
	"context"
	"sync"
	"time"

	"lightfriend/internal/models"
)

// Store is a single-slot, last-write-wins record of each user's pending
// send. Take is destructive and atomic: of two concurrent takers only one
// receives the request.
type Store interface {
	Set(ctx context.Context, req *models.PendingSendRequest) error
	// Take returns nil, nil when nothing is pending.
	Take(ctx context.Context, userID string) (*models.PendingSendRequest, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore keeps pending sends in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]models.PendingSendRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]models.PendingSendRequest)}
}

func (s *MemoryStore) Set(ctx context.Context, req *models.PendingSendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.UserID] = *req
	return nil
}

func (s *MemoryStore) Take(ctx context.Context, userID string) (*models.PendingSendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[userID]
	if !ok {
		return nil, nil
	}
	delete(s.pending, userID)
	return &req, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for userID, req := range s.pending {
		if req.Expired(now) {
			delete(s.pending, userID)
			n++
		}
	}
	return n, nil
}

// PendingDB is the slice of the database used by SQLStore.
type PendingDB interface {
	SavePendingSend(ctx context.Context, req *models.PendingSendRequest) error
	TakePendingSend(ctx context.Context, userID string) (*models.PendingSendRequest, error)
	DeleteExpiredPendingSends(ctx context.Context, now time.Time) (int64, error)
}

// SQLStore persists pending sends so they survive restarts. Take relies
// on a single DELETE ... RETURNING statement.
type SQLStore struct {
	db PendingDB
}

func NewSQLStore(db PendingDB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Set(ctx context.Context, req *models.PendingSendRequest) error {
	return s.db.SavePendingSend(ctx, req)
}

func (s *SQLStore) Take(ctx context.Context, userID string) (*models.PendingSendRequest, error) {
	return s.db.TakePendingSend(ctx, userID)
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.db.DeleteExpiredPendingSends(ctx, now)
}
