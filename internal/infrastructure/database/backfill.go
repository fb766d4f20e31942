package database

import (
	"context"
	"fmt"

	"billingledger/internal/model"

	"gorm.io/gorm"
)

// BackfillReport counts the rows rewritten by BackfillUnits.
type BackfillReport struct {
	Balances   int64
	Operations int64
	Payments   int64
}

// BackfillUnits converts rows written before the unit column existed to
// kopecks and stamps them. Balances were kept in whole rubles; operations
// were in rubles until LegacyKopeckCutover; payments were always in kopecks.
// Stamped rows are never touched again, so running it twice is harmless.
func BackfillUnits(ctx context.Context, db *gorm.DB) (BackfillReport, error) {
	var report BackfillReport
	unstamped := "unit IS NULL OR unit = ''"

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Balance{}).
			Where(unstamped).
			Updates(map[string]interface{}{
				"amount": gorm.Expr("amount * 100"),
				"unit":   model.UnitMinor,
			})
		if res.Error != nil {
			return fmt.Errorf("balances: %w", res.Error)
		}
		report.Balances = res.RowsAffected

		res = tx.Model(&model.Operation{}).
			Where("("+unstamped+") AND created_at < ?", model.LegacyKopeckCutover).
			Updates(map[string]interface{}{
				"price":          gorm.Expr("price * 100"),
				"original_price": gorm.Expr("original_price * 100"),
				"unit":           model.UnitMinor,
			})
		if res.Error != nil {
			return fmt.Errorf("legacy operations: %w", res.Error)
		}
		report.Operations = res.RowsAffected

		res = tx.Model(&model.Operation{}).
			Where(unstamped).
			Update("unit", model.UnitMinor)
		if res.Error != nil {
			return fmt.Errorf("operations: %w", res.Error)
		}
		report.Operations += res.RowsAffected

		res = tx.Model(&model.Payment{}).
			Where(unstamped).
			Update("unit", model.UnitMinor)
		if res.Error != nil {
			return fmt.Errorf("payments: %w", res.Error)
		}
		report.Payments = res.RowsAffected
		return nil
	})
	return report, err
}
