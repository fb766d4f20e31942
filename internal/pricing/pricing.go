// Package pricing maps an operation type and model to a price in kopecks.
// Everything here is pure; callers decide what to log.
package pricing

import (
	"strings"

	"billingledger/internal/model"
)

// Table holds the base price tiers, in kopecks.
type Table struct {
	Premium          int64 `mapstructure:"premium"`
	Standard         int64 `mapstructure:"standard"`
	Seedream         int64 `mapstructure:"seedream"`
	PromptGeneration int64 `mapstructure:"prompt_generation"`
	FaceSwap         int64 `mapstructure:"face_swap"`
	AddText          int64 `mapstructure:"add_text"`
}

func DefaultTable() Table {
	return Table{
		Premium:          2600,
		Standard:         900,
		Seedream:         750,
		PromptGeneration: 300,
		FaceSwap:         400,
		AddText:          100,
	}
}

// Quote is the result of pricing one operation. Original and Discount are
// always derived from the same base price as Final.
type Quote struct {
	Final    int64
	Original int64
	Discount int64
	Percent  int
	// Fallback is set when the operation type was unknown and the standard tier was used.
	Fallback bool
}

// Discounted reports whether the discount changed the price.
func (q Quote) Discounted() bool {
	return q.Discount > 0
}

// Price resolves the base price for opType/modelName and applies discountPercent.
func (t Table) Price(opType, modelName string, discountPercent int) Quote {
	base, known := t.Base(opType, modelName)
	final, discount := ApplyDiscount(base, discountPercent)
	q := Quote{
		Final:    final,
		Original: base,
		Discount: discount,
		Fallback: !known,
	}
	if discount > 0 {
		q.Percent = clampPercent(discountPercent)
	}
	return q
}

// Base returns the undiscounted price. The second result is false for an
// unknown operation type.
func (t Table) Base(opType, modelName string) (int64, bool) {
	switch opType {
	case model.OperationTypeGenerate, model.OperationTypeMerge:
		switch {
		case IsPremiumModel(modelName):
			return t.Premium, true
		case IsSeedreamModel(modelName):
			return t.Seedream, true
		}
		return t.Standard, true
	case model.OperationTypeEdit:
		if IsSeedreamModel(modelName) {
			return t.Seedream, true
		}
		return t.Standard, true
	case model.OperationTypeRetouch, model.OperationTypeUpscale:
		return t.Standard, true
	case model.OperationTypePromptGeneration:
		return t.PromptGeneration, true
	case model.OperationTypeFaceSwap:
		return t.FaceSwap, true
	case model.OperationTypeAddText:
		return t.AddText, true
	}
	return t.Standard, false
}

// ApplyDiscount takes percent off price, rounding half up to the kopeck.
// A non-zero price never drops below one kopeck.
func ApplyDiscount(price int64, percent int) (final, discount int64) {
	percent = clampPercent(percent)
	if price <= 0 || percent == 0 {
		return price, 0
	}
	discount = (price*int64(percent) + 50) / 100
	final = price - discount
	if final < 1 {
		final = 1
		discount = price - 1
	}
	return final, discount
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func IsPremiumModel(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "nano-banana-pro") ||
		strings.Contains(n, "nano_banana_pro") ||
		strings.Contains(n, "gpt-image-1-mini")
}

func IsSeedreamModel(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "seedream")
}
