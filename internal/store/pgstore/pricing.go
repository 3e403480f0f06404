package pgstore

import (
	"context"
	"errors"

	"github.com/atelierworks/credits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorSubjectPricing = "pricing"
	errorCodeResolve    = "resolve"
	errorCodeUpsert     = "upsert"

	sqlSelectRuleCost = `
		select cost from pricing_rules
		where operation = $1 and tier = $2
	`

	sqlUpsertRule = `
		insert into pricing_rules(operation, tier, cost, updated_at)
		values($1, $2, $3, now())
		on conflict (operation, tier) do update set cost = excluded.cost, updated_at = now()
	`
)

// PricingStore resolves operation costs from the pricing_rules table.
// A missing rule is an error; callers must not fall back to a default cost.
type PricingStore struct {
	pool *pgxpool.Pool
}

// NewPricingStore returns a PricingStore backed by a pgx pool.
func NewPricingStore(pool *pgxpool.Pool) *PricingStore {
	return &PricingStore{pool: pool}
}

func (pricingStore *PricingStore) ResolveCost(ctx context.Context, operation credits.OperationKey, tier credits.Tier) (credits.PositiveCredits, error) {
	var costValue int64
	err := pricingStore.pool.QueryRow(ctx, sqlSelectRuleCost, operation.String(), tier.String()).Scan(&costValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectPricing, errorCodeResolve, credits.ErrPricingNotFound)
		}
		return 0, wrapStoreError(errorSubjectPricing, errorCodeResolve, errors.Join(credits.ErrPricingUnavailable, err))
	}
	cost, err := credits.NewPositiveCredits(costValue)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPricing, errorCodeInvalid, err)
	}
	return cost, nil
}

// UpsertRule creates or replaces the rule for an operation and tier.
func (pricingStore *PricingStore) UpsertRule(ctx context.Context, operation credits.OperationKey, tier credits.Tier, cost credits.PositiveCredits) error {
	if _, err := pricingStore.pool.Exec(ctx, sqlUpsertRule, operation.String(), tier.String(), cost.Int64()); err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeUpsert, err)
	}
	return nil
}

// SeedCatalog loads a label -> cost map, where labels may carry a tier
// suffix such as "image_generate/pro".
func (pricingStore *PricingStore) SeedCatalog(ctx context.Context, rawCosts map[string]int64) error {
	for label, rawCost := range rawCosts {
		operation, tier, err := credits.SplitOperationLabel(label)
		if err != nil {
			return err
		}
		cost, err := credits.NewPositiveCredits(rawCost)
		if err != nil {
			return wrapStoreError(errorSubjectPricing, errorCodeInvalid, err)
		}
		if err := pricingStore.UpsertRule(ctx, operation, tier, cost); err != nil {
			return err
		}
	}
	return nil
}
