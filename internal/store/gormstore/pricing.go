package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/atelierworks/credits/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectPricing = "pricing"
	errorCodeResolve    = "resolve"
	errorCodeUpsert     = "upsert"
)

// PricingStore resolves operation costs from the pricing_rules table and
// lets admins maintain it.
type PricingStore struct {
	db *gorm.DB
}

// NewPricingStore returns a DB-backed pricing resolver.
func NewPricingStore(db *gorm.DB) *PricingStore {
	return &PricingStore{db: db}
}

// ResolveCost fails closed: a missing rule is ErrPricingNotFound, a store
// failure is ErrPricingUnavailable. It never substitutes a zero cost.
func (pricingStore *PricingStore) ResolveCost(ctx context.Context, operation credits.OperationKey, tier credits.Tier) (credits.PositiveCredits, error) {
	var rule PricingRule
	err := pricingStore.db.WithContext(ctx).
		Where("operation = ? AND tier = ?", operation.String(), tier.String()).
		Take(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectPricing, errorCodeResolve, credits.ErrPricingNotFound)
		}
		return 0, wrapStoreError(errorSubjectPricing, errorCodeResolve, errors.Join(credits.ErrPricingUnavailable, err))
	}
	cost, err := credits.NewPositiveCredits(rule.Cost)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPricing, errorCodeInvalid, err)
	}
	return cost, nil
}

// UpsertRule creates or updates one pricing rule.
func (pricingStore *PricingStore) UpsertRule(ctx context.Context, operation credits.OperationKey, tier credits.Tier, cost credits.PositiveCredits) error {
	err := pricingStore.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "operation"}, {Name: "tier"}},
			DoUpdates: clause.AssignmentColumns([]string{"cost", "updated_at"}),
		}).
		Create(&PricingRule{
			Operation: operation.String(),
			Tier:      tier.String(),
			Cost:      cost.Int64(),
			UpdatedAt: time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeUpsert, err)
	}
	return nil
}

// SeedCatalog loads a config-file catalog (label -> cost) into the table.
// Labels use the "operation/tier" form.
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
