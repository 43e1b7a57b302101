// Package hydration converts raw consumption evidence (container size plus a
// percentage or sip duration) into a final hydration-credited ounce value.
// Everything here is pure; callers do all I/O.
package hydration

import (
	"errors"
	"math"
	"strings"
)

// ErrZeroHydration is returned when the liquid contributes no hydration at
// all (alcohol). It is a permanent condition: no entry may be created.
var ErrZeroHydration = errors.New("liquid contributes zero hydration")

var errNoQuantity = errors.New("either percentage or duration is required")

// SipSize controls the assumed flow rate on the duration path.
type SipSize string

const (
	SipSmall  SipSize = "small"
	SipMedium SipSize = "medium"
	SipLarge  SipSize = "large"
)

var ozPerSecond = map[SipSize]float64{
	SipSmall:  0.4,
	SipMedium: 0.6,
	SipLarge:  0.85,
}

const (
	minOunces = 0.5
	maxOunces = 128
)

// classRule maps a liquid-type keyword to its hydration multiplier. Longer
// keywords win so "diet soda" beats "soda".
type classRule struct {
	keyword    string
	class      string
	multiplier float64
}

var classRules = []classRule{
	{"sparkling", "water", 1.0},
	{"seltzer", "water", 1.0},
	{"water", "water", 1.0},
	{"diet soda", "diet soda", 0.9},
	{"soda", "soda", 0.75},
	{"sports drink", "sports drink", 0.7},
	{"energy drink", "energy drink", 0.65},
	{"coffee", "coffee", 0.8},
	{"tea", "tea", 0.8},
	{"milk", "milk", 0.75},
	{"juice", "juice", 0.7},
	{"smoothie", "smoothie", 0.65},
	{"beer", "alcohol", 0.0},
	{"wine", "alcohol", 0.0},
	{"alcohol", "alcohol", 0.0},
}

// Classify resolves a free-text liquid type into a canonical class and its
// hydration multiplier. Unknown liquids count as plain water.
func Classify(liquidType string) (string, float64) {
	lt := strings.ToLower(strings.TrimSpace(liquidType))
	best := -1
	for i, r := range classRules {
		if strings.Contains(lt, r.keyword) {
			if best == -1 || len(r.keyword) > len(classRules[best].keyword) {
				best = i
			}
		}
	}
	if best == -1 {
		return "water", 1.0
	}
	return classRules[best].class, classRules[best].multiplier
}

// Multiplier returns just the hydration multiplier for a liquid type.
func Multiplier(liquidType string) float64 {
	_, m := Classify(liquidType)
	return m
}

// Input is the raw evidence for one consumption event. Exactly one of
// Percentage or DurationSeconds should be set; Percentage wins when both are.
type Input struct {
	CapacityOz      float64
	Percentage      *float64
	DurationSeconds *float64
	SipSize         SipSize
	Servings        float64
	LiquidType      string
}

// Consumed computes the final credited ounce value for one event:
// raw volume, times servings, times the hydration multiplier, clamped to
// [0.5, 128] and smart-rounded. Returns ErrZeroHydration for alcohol.
func Consumed(in Input) (float64, error) {
	_, mult := Classify(in.LiquidType)
	if mult == 0 {
		return 0, ErrZeroHydration
	}

	var raw float64
	switch {
	case in.Percentage != nil:
		raw = in.CapacityOz * *in.Percentage / 100
	case in.DurationSeconds != nil:
		rate, ok := ozPerSecond[in.SipSize]
		if !ok {
			rate = ozPerSecond[SipMedium]
		}
		raw = *in.DurationSeconds * rate
	default:
		return 0, errNoQuantity
	}

	servings := in.Servings
	if servings <= 0 {
		servings = 1
	}

	adjusted := Round2(raw * servings * mult)
	return SmartRound(clamp(adjusted)), nil
}

func clamp(v float64) float64 {
	if v < minOunces {
		return minOunces
	}
	if v > maxOunces {
		return maxOunces
	}
	return v
}

// SmartRound snaps a value to the nearest 0.5 or 1.0: a fractional remainder
// of 0.75 or more rounds up to the next integer, [0.25, 0.75) rounds to the
// half, anything less rounds down.
func SmartRound(v float64) float64 {
	whole := math.Floor(v)
	switch frac := v - whole; {
	case frac >= 0.75:
		return whole + 1
	case frac >= 0.25:
		return whole + 0.5
	default:
		return whole
	}
}

// Round2 rounds to two decimal places, the precision used for all stored
// ounce values.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
