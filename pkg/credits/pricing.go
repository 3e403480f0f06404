package credits

import (
	"context"
	"fmt"
	"strings"
)

// PricingResolver maps a billable operation to its credit cost.
//
// Resolution fails closed: a missing rule is ErrPricingNotFound and a broken
// backend is ErrPricingUnavailable. Neither may be treated as "free".
type PricingResolver interface {
	ResolveCost(ctx context.Context, operation OperationKey, tier Tier) (PositiveCredits, error)
}

// OperationLabel joins an operation with its tier for storage and lookup
// ("image_generate/ultra"; base tier is the bare key).
func OperationLabel(operation OperationKey, tier Tier) string {
	if tier.IsBase() {
		return operation.String()
	}
	return operation.String() + operationTierDelimiter + tier.String()
}

// SplitOperationLabel reverses OperationLabel into its operation and tier.
func SplitOperationLabel(label string) (OperationKey, Tier, error) {
	operationPart, tierPart, _ := strings.Cut(label, operationTierDelimiter)
	operation, err := NewOperationKey(operationPart)
	if err != nil {
		return OperationKey{}, Tier{}, err
	}
	return operation, NewTier(tierPart), nil
}

// StaticResolver resolves costs from an in-memory catalog, keyed by
// operation label. Suitable for config-file catalogs and tests.
type StaticResolver struct {
	costs map[string]PositiveCredits
}

// NewStaticResolver validates a raw catalog (label -> cost) into a resolver.
func NewStaticResolver(rawCosts map[string]int64) (*StaticResolver, error) {
	costs := make(map[string]PositiveCredits, len(rawCosts))
	for label, rawCost := range rawCosts {
		cost, err := NewPositiveCredits(rawCost)
		if err != nil {
			return nil, fmt.Errorf("pricing rule %q: %w", label, err)
		}
		costs[label] = cost
	}
	return &StaticResolver{costs: costs}, nil
}

// ResolveCost looks up the catalog; a tiered miss does not fall back to the
// base tier.
func (resolver *StaticResolver) ResolveCost(_ context.Context, operation OperationKey, tier Tier) (PositiveCredits, error) {
	cost, found := resolver.costs[OperationLabel(operation, tier)]
	if !found {
		return 0, WrapError("pricing", "rule", "not_found", ErrPricingNotFound)
	}
	return cost, nil
}
