package grid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Spec describes a geometric level set between Low and High.
type Spec struct {
	Low    decimal.Decimal
	High   decimal.Decimal
	Levels int
}

// Pair is one band candidate: buy at Buy, sell at the next level up.
type Pair struct {
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// Build returns Levels+1 geometrically spaced prices from Low to High.
func Build(spec Spec) ([]decimal.Decimal, error) {
	if spec.Levels < 1 {
		return nil, errors.New("levels must be >= 1")
	}
	if spec.Low.Cmp(decimal.Zero) <= 0 || spec.High.Cmp(decimal.Zero) <= 0 || spec.High.Cmp(spec.Low) <= 0 {
		return nil, errors.New("invalid price range")
	}
	prices := make([]decimal.Decimal, spec.Levels+1)
	ratio := math.Pow(spec.High.Div(spec.Low).InexactFloat64(), 1/float64(spec.Levels))
	for i := 0; i <= spec.Levels; i++ {
		prices[i] = spec.Low.Mul(decimal.NewFromFloat(math.Pow(ratio, float64(i))))
	}
	prices[spec.Levels] = spec.High
	return prices, nil
}

// LoadLevels reads a grid file: one decimal price per line, blank lines ignored.
func LoadLevels(path string) ([]decimal.Decimal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	levels, err := ParseLevels(f)
	if err != nil {
		return nil, fmt.Errorf("grid file %s: %w", path, err)
	}
	return levels, nil
}

func ParseLevels(r io.Reader) ([]decimal.Decimal, error) {
	var levels []decimal.Decimal
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		price, err := decimal.NewFromString(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid price %q", lineNo, line)
		}
		if price.Cmp(decimal.Zero) <= 0 {
			return nil, fmt.Errorf("line %d: price must be > 0", lineNo)
		}
		levels = append(levels, price)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return Sorted(levels), nil
}

// Sorted returns an ascending copy of levels with duplicates removed.
func Sorted(levels []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	copy(out, levels)
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	dedup := out[:0]
	for _, p := range out {
		if len(dedup) == 0 || !p.Equal(dedup[len(dedup)-1]) {
			dedup = append(dedup, p)
		}
	}
	return dedup
}

// Ladder returns the adjacent (buy, sell) pairs with buy strictly below
// price, closest to price first.
func Ladder(levels []decimal.Decimal, price decimal.Decimal) []Pair {
	sorted := Sorted(levels)
	var pairs []Pair
	for i := len(sorted) - 2; i >= 0; i-- {
		if sorted[i].Cmp(price) >= 0 {
			continue
		}
		pairs = append(pairs, Pair{Buy: sorted[i], Sell: sorted[i+1]})
	}
	return pairs
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// Normalize rounds levels down to the price tick and drops levels that
// collapse onto their neighbour.
func Normalize(levels []decimal.Decimal, tick decimal.Decimal) ([]decimal.Decimal, error) {
	if tick.Cmp(decimal.Zero) <= 0 {
		return Sorted(levels), nil
	}
	out := make([]decimal.Decimal, 0, len(levels))
	for _, p := range Sorted(levels) {
		rp := RoundDown(p, tick)
		if rp.Cmp(decimal.Zero) <= 0 {
			continue
		}
		if len(out) == 0 || !rp.Equal(out[len(out)-1]) {
			out = append(out, rp)
		}
	}
	if len(levels) >= 2 && len(out) < 2 {
		return nil, errors.New("grid collapsed after tick normalization")
	}
	return out, nil
}
