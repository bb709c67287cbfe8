package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/waste-dispatch/internal/models"
)

// ErrInvalidInput is returned for inputs the pricing rules reject outright:
// itemCount < 1, negative or NaN distance, negative base price, or an
// unknown job type.
var ErrInvalidInput = errors.New("invalid pricing input")

const (
	// Distance premium kicks in beyond this many kilometres.
	premiumThresholdKm = 2.0
	// Per-km premium factor for small (<=2 items) and larger loads.
	smallLoadFactor = 0.3
	largeLoadFactor = 0.2
)

// Quote computes the price of a job in integer currency units.
//
//	base = basePricePerItem * itemCount * jobTypeFactor
//	if distanceKm > 2: base *= 1 + f*(distanceKm-2), f = 0.3 (<=2 items) or 0.2
//
// The result is rounded to the nearest unit. The quote is pure: the same
// inputs always produce the same price.
func Quote(basePricePerItem int64, itemCount int, jobType models.JobType, distanceKm float64) (int64, error) {
	if itemCount < 1 {
		return 0, fmt.Errorf("%w: item count must be >= 1, got %d", ErrInvalidInput, itemCount)
	}
	if basePricePerItem < 0 {
		return 0, fmt.Errorf("%w: base price must be >= 0, got %d", ErrInvalidInput, basePricePerItem)
	}
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return 0, fmt.Errorf("%w: distance must be a finite value >= 0, got %f", ErrInvalidInput, distanceKm)
	}
	factor, ok := jobType.Factor()
	if !ok {
		return 0, fmt.Errorf("%w: unknown job type %q", ErrInvalidInput, jobType)
	}

	price := float64(basePricePerItem) * float64(itemCount) * factor
	if distanceKm > premiumThresholdKm {
		f := largeLoadFactor
		if itemCount <= 2 {
			f = smallLoadFactor
		}
		price *= 1 + f*(distanceKm-premiumThresholdKm)
	}
	return int64(math.Round(price)), nil
}
