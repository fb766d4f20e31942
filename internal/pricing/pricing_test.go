package pricing

import (
	"testing"

	"billingledger/internal/model"
)

func TestBase_Tiers(t *testing.T) {
	tbl := DefaultTable()
	cases := []struct {
		name   string
		opType string
		model  string
		want   int64
		known  bool
	}{
		{"generate premium", model.OperationTypeGenerate, "nano-banana-pro", 2600, true},
		{"generate premium alias", model.OperationTypeGenerate, "GPT-Image-1-Mini", 2600, true},
		{"generate seedream", model.OperationTypeGenerate, "seedream-create", 750, true},
		{"generate default", model.OperationTypeGenerate, "flux", 900, true},
		{"merge premium", model.OperationTypeMerge, "nano_banana_pro", 2600, true},
		{"edit seedream", model.OperationTypeEdit, "bytedance/seedream-v4", 750, true},
		{"edit premium is standard", model.OperationTypeEdit, "nano-banana-pro", 900, true},
		{"retouch", model.OperationTypeRetouch, "", 900, true},
		{"upscale", model.OperationTypeUpscale, "", 900, true},
		{"prompt", model.OperationTypePromptGeneration, "", 300, true},
		{"face swap", model.OperationTypeFaceSwap, "", 400, true},
		{"add text", model.OperationTypeAddText, "", 100, true},
		{"unknown", "video", "", 900, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, known := tbl.Base(tc.opType, tc.model)
			if got != tc.want || known != tc.known {
				t.Fatalf("Base(%q,%q)=(%d,%v), want (%d,%v)", tc.opType, tc.model, got, known, tc.want, tc.known)
			}
		})
	}
}

func TestApplyDiscount(t *testing.T) {
	cases := []struct {
		price, pct      int
		final, discount int64
	}{
		{900, 0, 900, 0},
		{900, 10, 810, 90},
		{750, 30, 525, 225},
		{100, 15, 85, 15},
		{5, 50, 2, 3}, // 2.5 rounds half up
		{900, 100, 1, 899},
		{900, 150, 1, 899},
		{900, -5, 900, 0},
		{0, 50, 0, 0},
	}
	for _, tc := range cases {
		final, discount := ApplyDiscount(int64(tc.price), tc.pct)
		if final != tc.final || discount != tc.discount {
			t.Fatalf("ApplyDiscount(%d,%d)=(%d,%d), want (%d,%d)", tc.price, tc.pct, final, discount, tc.final, tc.discount)
		}
	}
}

func TestPrice_OriginalFromSameModel(t *testing.T) {
	tbl := DefaultTable()
	q := tbl.Price(model.OperationTypeGenerate, "nano-banana-pro", 20)
	if q.Original != 2600 || q.Final != 2080 || q.Discount != 520 || q.Percent != 20 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.Final+q.Discount != q.Original {
		t.Fatalf("final+discount must equal original: %+v", q)
	}
	if !q.Discounted() {
		t.Fatalf("expected discounted quote")
	}
}

func TestPrice_NoDiscount(t *testing.T) {
	q := DefaultTable().Price(model.OperationTypeFaceSwap, "", 0)
	if q.Discounted() || q.Percent != 0 || q.Final != 400 {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestPrice_UnknownFallsBack(t *testing.T) {
	q := DefaultTable().Price("mystery", "", 0)
	if !q.Fallback || q.Final != 900 {
		t.Fatalf("expected standard fallback, got %+v", q)
	}
}
