package credits

import (
	"context"
	"errors"
	"testing"
)

func TestStaticResolverResolvesConfiguredRule(test *testing.T) {
	test.Parallel()
	resolver := mustResolver(test, map[string]int64{
		"image_generate":       5,
		"image_generate/ultra": 25,
	})

	cost, err := resolver.ResolveCost(context.Background(), mustOperationKey(test, "image_generate"), NewTier(""))
	if err != nil {
		test.Fatalf("resolve base: %v", err)
	}
	if cost != 5 {
		test.Fatalf("expected cost 5, got %d", cost)
	}
	cost, err = resolver.ResolveCost(context.Background(), mustOperationKey(test, "image_generate"), NewTier("ultra"))
	if err != nil {
		test.Fatalf("resolve tier: %v", err)
	}
	if cost != 25 {
		test.Fatalf("expected cost 25, got %d", cost)
	}
}

func TestStaticResolverFailsClosed(test *testing.T) {
	test.Parallel()
	resolver := mustResolver(test, map[string]int64{"image_generate": 5})

	if _, err := resolver.ResolveCost(context.Background(), mustOperationKey(test, "video_render"), NewTier("")); !errors.Is(err, ErrPricingNotFound) {
		test.Fatalf("expected ErrPricingNotFound, got %v", err)
	}
	// A tier without its own rule is not covered by the base rule.
	if _, err := resolver.ResolveCost(context.Background(), mustOperationKey(test, "image_generate"), NewTier("ultra")); !errors.Is(err, ErrPricingNotFound) {
		test.Fatalf("expected ErrPricingNotFound for unconfigured tier, got %v", err)
	}
}

func TestNewStaticResolverRejectsNonPositiveCost(test *testing.T) {
	test.Parallel()
	if _, err := NewStaticResolver(map[string]int64{"free_lunch": 0}); !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
	if _, err := NewStaticResolver(map[string]int64{"negative": -3}); !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
}
