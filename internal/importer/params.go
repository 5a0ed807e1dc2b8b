// Package importer loads operator-supplied historical inputs from CSV files.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
)

// Params is one stop/take rule for a strategy key.
type Params struct {
	Strategy   string          `json:"strategy"`
	Symbol     string          `json:"symbol"`
	Side       schema.Side     `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Stop       decimal.Decimal `json:"stop"`
	Take       decimal.Decimal `json:"take"`
	ReduceOnly bool            `json:"reduceOnly"`
}

var requiredColumns = []string{"strategy", "symbol", "side", "quantity"}

// LoadParams reads a parameter file from disk.
func LoadParams(path string) ([]Params, error) {
	// #nosec G304 -- file path is operator provided via configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open params file: %w", err)
	}
	defer f.Close()
	return ParseParams(f)
}

// ParseParams decodes CSV rows keyed by a header line. Column order is free; stop and take are
// optional but every row needs at least one of them.
func ParseParams(r io.Reader) ([]Params, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, errs.New("importer", errs.CodeInvalid, errs.WithMessage("missing column "+name))
		}
	}

	var out []Params
	seen := make(map[string]struct{})
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		line, _ := reader.FieldPos(0)
		p, err := parseRow(cols, record)
		if err != nil {
			return nil, fmt.Errorf("params line %d: %w", line, err)
		}
		id := p.Strategy + "/" + p.Symbol
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("params line %d: %w", line,
				errs.New("importer", errs.CodeInvalid, errs.WithMessage("duplicate rule "+id)))
		}
		seen[id] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func parseRow(cols map[string]int, record []string) (Params, error) {
	field := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}
	invalid := func(msg string) error {
		return errs.New("importer", errs.CodeInvalid, errs.WithMessage(msg))
	}

	p := Params{
		Strategy: field("strategy"),
		Symbol:   strings.ToUpper(field("symbol")),
	}
	if p.Strategy == "" || p.Symbol == "" {
		return Params{}, invalid("strategy and symbol required")
	}
	side, err := schema.ParseSide(field("side"))
	if err != nil {
		return Params{}, err
	}
	p.Side = side

	if p.Quantity, err = decimal.NewFromString(field("quantity")); err != nil || !p.Quantity.IsPositive() {
		return Params{}, invalid("quantity must be a positive decimal")
	}
	if p.Stop, err = optionalDecimal(field("stop")); err != nil {
		return Params{}, invalid("stop: " + err.Error())
	}
	if p.Take, err = optionalDecimal(field("take")); err != nil {
		return Params{}, invalid("take: " + err.Error())
	}
	if p.Stop.IsZero() && p.Take.IsZero() {
		return Params{}, invalid("stop or take required")
	}
	if !p.Stop.IsZero() && !p.Take.IsZero() && !p.Stop.LessThan(p.Take) {
		return Params{}, invalid("stop must be below take")
	}
	if raw := field("reduce_only"); raw != "" {
		if p.ReduceOnly, err = strconv.ParseBool(raw); err != nil {
			return Params{}, invalid("reduce_only must be a boolean")
		}
	}
	return p, nil
}

func optionalDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return d, nil
}
