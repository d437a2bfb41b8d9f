package auth

import (
	"context"
	"sync"

	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// StaticService is an in-memory types.AuthService for development and tests:
// every token maps directly to a user record.
type StaticService struct {
	mu    sync.RWMutex
	users map[string]*types.User // token -> user
	byID  map[types.UserID]*types.User
}

func NewStaticService() *StaticService {
	return &StaticService{
		users: make(map[string]*types.User),
		byID:  make(map[types.UserID]*types.User),
	}
}

// AddUser registers a token -> user mapping.
func (s *StaticService) AddUser(token string, u *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[token] = u
	s.byID[u.ID] = u
}

func (s *StaticService) ValidateToken(_ context.Context, token string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return nil, types.ErrInvalidToken
	}
	cp := *u
	return &cp, nil
}

func (s *StaticService) GetUserByID(_ context.Context, id types.UserID) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *StaticService) SetOnlineStatus(context.Context, types.UserID, bool) error {
	return nil
}
