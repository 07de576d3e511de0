// Package model implements the dynamic model-composition framework: declared
// quantities, child models and cross-model requirements wired into an
// addressable, reconnectable tree of ensemble-valued state.
package model

import "fmt"

// Unit tags form a closed vocabulary. The converter supports an enumerable
// set of tag pairs and fails hard on anything else.
type Unit string

// Supported unit tags, grouped by physical category.
const (
	// Time.
	UnitSecond Unit = "s"
	UnitHour   Unit = "h"
	UnitDay    Unit = "day"
	// Length.
	UnitMeter      Unit = "m"
	UnitCentimeter Unit = "cm"
	UnitMillimeter Unit = "mm"
	// Mass.
	UnitGram     Unit = "g"
	UnitKilogram Unit = "kg"
	UnitTon      Unit = "t"
	// Mass per area.
	UnitGramPerSquareMeter Unit = "g/m2"
	UnitKilogramPerHectare Unit = "kg/ha"
	UnitTonPerHectare      Unit = "t/ha"
	// Energy flux.
	UnitMegajoulePerSquareMeterDay Unit = "MJ/m2/day"
	UnitWattPerSquareMeter         Unit = "W/m2"
	// Temperature.
	UnitCelsius Unit = "degC"
	UnitKelvin  Unit = "degK"
	// Pressure.
	UnitKilopascal Unit = "kPa"
	// Dimensionless.
	UnitFraction Unit = "frac"
	UnitPercent  Unit = "perc"
	UnitBoolean  Unit = "bool"
	// UnitUndefined marks quantities without a physical unit. Reads and
	// writes addressed with it bypass conversion.
	UnitUndefined Unit = "undefined"
)

// Category names the physical class a unit tag belongs to.
type Category string

// Unit categories.
const (
	CategoryTime        Category = "time"
	CategoryLength      Category = "length"
	CategoryMass        Category = "mass"
	CategoryMassPerArea Category = "mass-per-area"
	CategoryEnergyFlux  Category = "energy-flux"
	CategoryTemperature Category = "temperature"
	CategoryPressure    Category = "pressure"
	CategoryFraction    Category = "fraction"
	CategoryBoolean     Category = "boolean"
	CategoryUndefined   Category = "undefined"
)

var unitCategories = map[Unit]Category{
	UnitSecond:                     CategoryTime,
	UnitHour:                       CategoryTime,
	UnitDay:                        CategoryTime,
	UnitMeter:                      CategoryLength,
	UnitCentimeter:                 CategoryLength,
	UnitMillimeter:                 CategoryLength,
	UnitGram:                       CategoryMass,
	UnitKilogram:                   CategoryMass,
	UnitTon:                        CategoryMass,
	UnitGramPerSquareMeter:         CategoryMassPerArea,
	UnitKilogramPerHectare:         CategoryMassPerArea,
	UnitTonPerHectare:              CategoryMassPerArea,
	UnitMegajoulePerSquareMeterDay: CategoryEnergyFlux,
	UnitWattPerSquareMeter:         CategoryEnergyFlux,
	UnitCelsius:                    CategoryTemperature,
	UnitKelvin:                     CategoryTemperature,
	UnitKilopascal:                 CategoryPressure,
	UnitFraction:                   CategoryFraction,
	UnitPercent:                    CategoryFraction,
	UnitBoolean:                    CategoryBoolean,
	UnitUndefined:                  CategoryUndefined,
}

// CategoryOf returns the physical category of a unit tag, or
// CategoryUndefined for unknown tags.
func CategoryOf(u Unit) Category {
	if c, ok := unitCategories[u]; ok {
		return c
	}
	return CategoryUndefined
}

// conversion is an affine map target = value*factor + offset. The offset is
// only non-zero for temperature pairs.
type conversion struct {
	factor float64
	offset float64
}

type unitPair struct {
	src Unit
	dst Unit
}

var conversions = map[unitPair]conversion{}

func addLinear(src, dst Unit, factor float64) {
	conversions[unitPair{src, dst}] = conversion{factor: factor}
	conversions[unitPair{dst, src}] = conversion{factor: 1 / factor}
}

func addAffine(src, dst Unit, factor, offset float64) {
	conversions[unitPair{src, dst}] = conversion{factor: factor, offset: offset}
	conversions[unitPair{dst, src}] = conversion{factor: 1 / factor, offset: -offset / factor}
}

func init() {
	// Time.
	addLinear(UnitSecond, UnitHour, 1.0/3600.0)
	addLinear(UnitSecond, UnitDay, 1.0/86400.0)
	addLinear(UnitHour, UnitDay, 1.0/24.0)
	// Length.
	addLinear(UnitMeter, UnitCentimeter, 100)
	addLinear(UnitMeter, UnitMillimeter, 1000)
	addLinear(UnitCentimeter, UnitMillimeter, 10)
	// Mass.
	addLinear(UnitGram, UnitKilogram, 1e-3)
	addLinear(UnitGram, UnitTon, 1e-6)
	addLinear(UnitKilogram, UnitTon, 1e-3)
	// Mass per area. 1 g/m2 = 10 kg/ha.
	addLinear(UnitGramPerSquareMeter, UnitKilogramPerHectare, 10)
	addLinear(UnitGramPerSquareMeter, UnitTonPerHectare, 1e-2)
	addLinear(UnitKilogramPerHectare, UnitTonPerHectare, 1e-3)
	// Energy flux. 1 W/m2 over a day = 0.0864 MJ/m2/day.
	addLinear(UnitWattPerSquareMeter, UnitMegajoulePerSquareMeterDay, 0.0864)
	// Temperature.
	addAffine(UnitCelsius, UnitKelvin, 1, 273.15)
	// Dimensionless.
	addLinear(UnitFraction, UnitPercent, 100)
}

// Convert maps a scalar from src to dst. Identical tags are the identity;
// an unlisted pair returns ErrNoConversion.
func Convert(value float64, src, dst Unit) (float64, error) {
	if src == dst {
		return value, nil
	}
	conv, ok := conversions[unitPair{src, dst}]
	if !ok {
		return 0, fmt.Errorf("%w: %s => %s", ErrNoConversion, src, dst)
	}
	return value*conv.factor + conv.offset, nil
}

// ConvertSlice maps an ensemble from src to dst into a fresh slice. The
// input is never mutated.
func ConvertSlice(values []float64, src, dst Unit) ([]float64, error) {
	out := make([]float64, len(values))
	if src == dst {
		copy(out, values)
		return out, nil
	}
	conv, ok := conversions[unitPair{src, dst}]
	if !ok {
		return nil, fmt.Errorf("%w: %s => %s", ErrNoConversion, src, dst)
	}
	for i, v := range values {
		out[i] = v*conv.factor + conv.offset
	}
	return out, nil
}

// ConvertiblePairs lists every (src, dst) pair the converter supports.
// Exposed for property tests over the whole table.
func ConvertiblePairs() [][2]Unit {
	pairs := make([][2]Unit, 0, len(conversions))
	for p := range conversions {
		pairs = append(pairs, [2]Unit{p.src, p.dst})
	}
	return pairs
}
