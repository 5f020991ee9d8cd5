package ratelimit

import (
	"context"
	"errors"
	"fmt"

	gateway "github.com/nanogw/nanogw/internal"
	"github.com/nanogw/nanogw/internal/storage"
)

// CreditChecker enforces the per-organization credit/spend-limit
// admission check that runs after the general/image rate-limit counters.
// "No limit set" is treated as a denial, not unlimited, so a
// misconfigured organization can't burn credits invisibly.
type CreditChecker struct {
	limits   storage.OrgLimitsStore
	balances storage.OrgBalanceStore
}

// NewCreditChecker returns a new CreditChecker backed by limits and balances.
func NewCreditChecker(limits storage.OrgLimitsStore, balances storage.OrgBalanceStore) *CreditChecker {
	return &CreditChecker{limits: limits, balances: balances}
}

// Check implements check_can_use(organization_id) -> CreditResult.
func (c *CreditChecker) Check(ctx context.Context, orgID string) (gateway.CreditResult, error) {
	current, err := c.limits.GetCurrentLimits(ctx, orgID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.CreditResult{Kind: gateway.CreditNoLimitSet}, nil
		}
		return gateway.CreditResult{}, fmt.Errorf("load org limits: %w", err)
	}
	if current.SpendLimit == nil {
		return gateway.CreditResult{Kind: gateway.CreditNoLimitSet}, nil
	}

	balance, err := c.balances.GetBalance(ctx, orgID)
	if err != nil {
		return gateway.CreditResult{}, fmt.Errorf("load org balance: %w", err)
	}

	if balance.TotalSpentAmount >= *current.SpendLimit {
		return gateway.CreditResult{
			Kind:  gateway.CreditLimitExceeded,
			Spent: balance.TotalSpentAmount,
			Limit: *current.SpendLimit,
		}, nil
	}

	remaining, err := current.SpendLimit.Sub(balance.TotalSpentAmount)
	if err != nil {
		return gateway.CreditResult{}, fmt.Errorf("compute remaining credit: %w", err)
	}
	if remaining <= 0 {
		return gateway.CreditResult{Kind: gateway.CreditNoCredits}, nil
	}

	return gateway.CreditResult{Kind: gateway.CreditAllowed, Remaining: remaining}, nil
}
