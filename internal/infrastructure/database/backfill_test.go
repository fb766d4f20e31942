package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"billingledger/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:backfill_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestBackfillUnits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	before := model.LegacyKopeckCutover.Add(-time.Hour)
	after := model.LegacyKopeckCutover.Add(time.Hour)
	orig := int64(10)

	rows := []interface{}{
		&model.Balance{UserID: 1, Amount: 30},
		&model.Balance{UserID: 2, Amount: 2100, Unit: model.UnitMinor},
		&model.Operation{UserID: 1, Type: "image_generation", Price: 9, OriginalPrice: &orig, Status: model.OperationStatusCharged, CreatedAt: before},
		&model.Operation{UserID: 1, Type: "image_generation", Price: 900, Status: model.OperationStatusCharged, CreatedAt: after},
		&model.Payment{UserID: 1, ExternalID: "ext-1", IdempotencyKey: "k1", Amount: 2100, PaidAmount: 2100, Status: model.PaymentStatusSucceeded},
	}
	for _, r := range rows {
		if err := db.Create(r).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	report, err := BackfillUnits(ctx, db)
	if err != nil {
		t.Fatalf("BackfillUnits: %v", err)
	}
	if report.Balances != 1 || report.Operations != 2 || report.Payments != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	var b1, b2 model.Balance
	db.Where("user_id = ?", 1).First(&b1)
	db.Where("user_id = ?", 2).First(&b2)
	if b1.Amount != 3000 || b1.Unit != model.UnitMinor {
		t.Fatalf("legacy balance not converted: %+v", b1)
	}
	if b2.Amount != 2100 {
		t.Fatalf("stamped balance touched: %+v", b2)
	}

	var ops []model.Operation
	db.Order("id").Find(&ops)
	if ops[0].Price != 900 || ops[0].OriginalPrice == nil || *ops[0].OriginalPrice != 1000 {
		t.Fatalf("legacy op not converted: %+v", ops[0])
	}
	if ops[1].Price != 900 || ops[1].Unit != model.UnitMinor {
		t.Fatalf("post-cutover op changed: %+v", ops[1])
	}

	// second run is a no-op
	report, err = BackfillUnits(ctx, db)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report != (BackfillReport{}) {
		t.Fatalf("second run should touch nothing: %+v", report)
	}
	db.Where("user_id = ?", 1).First(&b1)
	if b1.Amount != 3000 {
		t.Fatalf("balance converted twice: %d", b1.Amount)
	}
}

func TestMigrate_ScopesIdempotencyKeyPerUser(t *testing.T) {
	db := newTestDB(t)
	if err := db.Exec("CREATE UNIQUE INDEX " + legacyIdempotencyIndex + " ON payments(idempotency_key)").Error; err != nil {
		t.Fatalf("create legacy index: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if db.Migrator().HasIndex(&model.Payment{}, legacyIdempotencyIndex) {
		t.Fatalf("legacy index %s still present", legacyIdempotencyIndex)
	}

	for i, userID := range []int64{1, 2} {
		p := &model.Payment{UserID: userID, ExternalID: fmt.Sprintf("ext-%d", i), IdempotencyKey: "shared",
			Amount: 1000, PaidAmount: 1000, Status: model.PaymentStatusPending, Unit: model.UnitMinor}
		if err := db.Create(p).Error; err != nil {
			t.Fatalf("user %d: %v", userID, err)
		}
	}
	dup := &model.Payment{UserID: 1, ExternalID: "ext-dup", IdempotencyKey: "shared",
		Amount: 1000, PaidAmount: 1000, Status: model.PaymentStatusPending, Unit: model.UnitMinor}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("same user reused a key without a unique violation")
	}
}
