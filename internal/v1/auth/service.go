package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// UserDirectory resolves and upserts user records. Backed by the store in
// this repo; a production deployment points it at the account service.
type UserDirectory interface {
	UserByID(ctx context.Context, id types.UserID) (*types.User, error)
	// EnsureUser upserts the record projected from token claims and returns
	// the stored user, which may carry richer profile data.
	EnsureUser(ctx context.Context, u *types.User) (*types.User, error)
	SetOnline(ctx context.Context, id types.UserID, online bool) error
}

// Service implements types.AuthService on top of a token validator and a
// user directory.
type Service struct {
	validator TokenValidator
	users     UserDirectory
}

func NewService(validator TokenValidator, users UserDirectory) *Service {
	return &Service{validator: validator, users: users}
}

// ValidateToken verifies the bearer token and resolves the user it names.
func (s *Service) ValidateToken(ctx context.Context, token string) (*types.User, error) {
	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", types.ErrInvalidToken)
	}

	projected := &types.User{
		ID:       types.UserID(claims.Subject),
		Username: displayNameFromClaims(claims),
		Email:    claims.Email,
		Role:     roleFromScope(claims.Scope),
	}
	user, err := s.users.EnsureUser(ctx, projected)
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", claims.Subject, err)
	}
	return user, nil
}

func (s *Service) GetUserByID(ctx context.Context, id types.UserID) (*types.User, error) {
	return s.users.UserByID(ctx, id)
}

func (s *Service) SetOnlineStatus(ctx context.Context, id types.UserID, online bool) error {
	return s.users.SetOnline(ctx, id, online)
}

func displayNameFromClaims(claims *CustomClaims) string {
	if claims.Name != "" {
		return claims.Name
	}
	if claims.Email != "" {
		if parts := strings.Split(claims.Email, "@"); len(parts) > 0 && parts[0] != "" {
			return parts[0]
		}
	}
	return claims.Subject
}

func roleFromScope(scope string) types.RoleType {
	for _, s := range strings.Fields(scope) {
		switch s {
		case "role:admin":
			return types.RoleAdmin
		case "role:moderator":
			return types.RoleModerator
		}
	}
	return types.RoleMember
}
