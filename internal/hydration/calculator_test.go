package hydration

import (
	"errors"
	"testing"
)

func fptr(v float64) *float64 { return &v }

func TestSmartRound(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{2.24, 2},
		{2.25, 2.5},
		{2.5, 2.5},
		{2.74, 2.5},
		{2.75, 3},
		{3.0, 3},
		{0.5, 0.5},
		{14.4, 14.5},
	}
	for _, tt := range tests {
		if got := SmartRound(tt.in); got != tt.want {
			t.Errorf("SmartRound(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		liquid   string
		class    string
		mult     float64
	}{
		{"water", "water", 1.0},
		{"Sparkling Water", "water", 1.0},
		{"seltzer", "water", 1.0},
		{"diet soda", "diet soda", 0.9},
		{"soda", "soda", 0.75},
		{"orange soda", "soda", 0.75},
		{"sports drink", "sports drink", 0.7},
		{"energy drink", "energy drink", 0.65},
		{"iced coffee", "coffee", 0.8},
		{"green tea", "tea", 0.8},
		{"oat milk", "milk", 0.75},
		{"apple juice", "juice", 0.7},
		{"berry smoothie", "smoothie", 0.65},
		{"beer", "alcohol", 0},
		{"red wine", "alcohol", 0},
		{"alcohol", "alcohol", 0},
		{"kombucha", "water", 1.0},
		{"", "water", 1.0},
	}
	for _, tt := range tests {
		class, mult := Classify(tt.liquid)
		if class != tt.class || mult != tt.mult {
			t.Errorf("Classify(%q) = (%q, %v), want (%q, %v)", tt.liquid, class, mult, tt.class, tt.mult)
		}
	}
}

func TestConsumed_PercentagePath(t *testing.T) {
	// 50% of a 32oz container of diet soda: 16 * 0.9 = 14.4 -> 14.5.
	got, err := Consumed(Input{
		CapacityOz: 32,
		Percentage: fptr(50),
		LiquidType: "diet soda",
	})
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if got != 14.5 {
		t.Errorf("Consumed = %v, want 14.5", got)
	}
}

func TestConsumed_DurationPath(t *testing.T) {
	tests := []struct {
		name    string
		seconds float64
		sip     SipSize
		want    float64
	}{
		{"small sip", 10, SipSmall, 4},
		{"medium sip", 10, SipMedium, 6},
		{"large sip", 10, SipLarge, 8.5},
		{"unknown sip defaults to medium", 10, "giant", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Consumed(Input{
				CapacityOz:      32,
				DurationSeconds: fptr(tt.seconds),
				SipSize:         tt.sip,
				LiquidType:      "water",
			})
			if err != nil {
				t.Fatalf("Consumed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Consumed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConsumed_Servings(t *testing.T) {
	got, err := Consumed(Input{
		CapacityOz: 8,
		Percentage: fptr(100),
		Servings:   2,
		LiquidType: "water",
	})
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if got != 16 {
		t.Errorf("Consumed = %v, want 16", got)
	}
}

func TestConsumed_AlcoholShortCircuits(t *testing.T) {
	_, err := Consumed(Input{
		CapacityOz: 12,
		Percentage: fptr(100),
		LiquidType: "beer",
	})
	if !errors.Is(err, ErrZeroHydration) {
		t.Fatalf("err = %v, want ErrZeroHydration", err)
	}
}

func TestConsumed_Clamp(t *testing.T) {
	low, err := Consumed(Input{CapacityOz: 32, Percentage: fptr(0.5), LiquidType: "water"})
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if low != 0.5 {
		t.Errorf("low = %v, want floor 0.5", low)
	}

	high, err := Consumed(Input{CapacityOz: 300, Percentage: fptr(100), LiquidType: "water"})
	if err != nil {
		t.Fatalf("Consumed: %v", err)
	}
	if high != 128 {
		t.Errorf("high = %v, want ceiling 128", high)
	}
}

func TestConsumed_MissingQuantity(t *testing.T) {
	if _, err := Consumed(Input{CapacityOz: 32, LiquidType: "water"}); err == nil {
		t.Fatal("expected error when both percentage and duration are missing")
	}
}
