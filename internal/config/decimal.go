package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal lets YAML carry exact prices and sizes, quoted or bare.
type Decimal struct {
	decimal.Decimal
}

func D(v string) Decimal {
	return Decimal{decimal.RequireFromString(v)}
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, raw, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
