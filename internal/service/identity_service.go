package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"rently/internal/config"
	"rently/internal/domain"
	"rently/internal/models"
)

// IdentityService resolves API keys to principals. The role always comes
// from the account record, never from the caller.
type IdentityService struct {
	keys     []config.APIClientKey
	accounts domain.AccountDirectory
}

func NewIdentityService(keys []config.APIClientKey, accounts domain.AccountDirectory) *IdentityService {
	return &IdentityService{
		keys:     append([]config.APIClientKey(nil), keys...),
		accounts: accounts,
	}
}

func (s *IdentityService) Resolve(ctx context.Context, credential string) (models.Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return models.Principal{}, domain.Unauthenticated("missing api key")
	}

	var (
		accountID int64
		found     bool
	)
	// no early exit, every key is compared
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(k.Key)) == 1 {
			accountID = k.AccountID
			found = true
		}
	}
	if !found {
		return models.Principal{}, domain.Unauthenticated("invalid api key")
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return models.Principal{}, fmt.Errorf("failed to load account: %w", err)
	}
	if acct == nil || !acct.IsActive || !acct.Role.Valid() {
		return models.Principal{}, domain.Unauthenticated("account %d is not active", accountID)
	}
	return models.Principal{ID: acct.ID, Role: acct.Role}, nil
}
