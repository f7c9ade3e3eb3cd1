// Package strategy holds user strategy definitions: the backtest settings plus the script.
package strategy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"backtestd/internal/market"
	"backtestd/internal/pkg/num"
	"backtestd/internal/pkg/symbol"
	"backtestd/internal/sandbox"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

type ID string

var (
	ErrInvalidConfig = errors.New("invalid strategy config")
	ErrNotFound      = errors.New("strategy not found")
)

const (
	DefaultExchange     = "binance"
	DefaultMaxNumKlines = 500
)

// Config is one strategy definition.
type Config struct {
	ID             ID              `json:"id" yaml:"id"`
	Name           string          `json:"name,omitempty" yaml:"name"`
	Exchange       string          `json:"exchange" yaml:"exchange"`
	Symbol         string          `json:"symbol" yaml:"symbol"`
	Timeframe      string          `json:"timeframe" yaml:"timeframe"`
	Currency       string          `json:"currency" yaml:"currency"`
	InitialCapital decimal.Decimal `json:"initial_capital" yaml:"initial_capital"`
	MakerFeeRate   decimal.Decimal `json:"maker_fee_rate" yaml:"maker_fee_rate"`
	TakerFeeRate   decimal.Decimal `json:"taker_fee_rate" yaml:"taker_fee_rate"`
	Start          time.Time       `json:"start" yaml:"start"`
	End            time.Time       `json:"end" yaml:"end"`
	MaxNumKlines   int             `json:"max_num_klines" yaml:"max_num_klines"`
	Language       string          `json:"language" yaml:"language"`
	Source         string          `json:"source" yaml:"source"`
	SourceFile     string          `json:"-" yaml:"source_file"`
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	ID       ID
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("strategy %q: %s", e.ID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidConfig }

// Normalize fills defaults and canonical casing in place.
func (c *Config) Normalize(defaultMaxNumKlines int) {
	c.ID = ID(strings.TrimSpace(string(c.ID)))
	c.Name = strings.TrimSpace(c.Name)
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	pair := symbol.Parse(c.Symbol)
	c.Symbol = symbol.Normalize(c.Symbol)
	c.Timeframe = strings.ToLower(strings.TrimSpace(c.Timeframe))
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" && pair.Valid() {
		c.Currency = pair.Quote
	}
	c.Language = strings.ToLower(strings.TrimSpace(c.Language))
	if c.Language == "" {
		c.Language = sandbox.LanguageTengo
	}
	if c.MaxNumKlines <= 0 {
		c.MaxNumKlines = defaultMaxNumKlines
		if c.MaxNumKlines <= 0 {
			c.MaxNumKlines = DefaultMaxNumKlines
		}
	}
	c.Start = c.Start.UTC()
	c.End = c.End.UTC()
}

//go:embed schema.json
var schemaText string

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("strategy.json", strings.NewReader(schemaText)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("strategy.json")
	})
	return schemaCompiled, schemaErr
}

// Validate checks the schema first, then the rules a schema cannot express.
func (c Config) Validate() error {
	verr := &ValidationError{ID: c.ID}

	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile strategy schema: %w", err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode strategy %s: %w", c.ID, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode strategy %s: %w", c.ID, err)
	}
	if err := schema.Validate(doc); err != nil {
		var se *jsonschema.ValidationError
		if errors.As(err, &se) {
			verr.Problems = append(verr.Problems, leafErrors(se)...)
		} else {
			verr.Problems = append(verr.Problems, err.Error())
		}
	}

	if _, err := market.ParseTimeframe(c.Timeframe); err != nil {
		verr.Problems = append(verr.Problems, err.Error())
	}
	if !c.InitialCapital.IsPositive() {
		verr.Problems = append(verr.Problems, "initial_capital must be positive")
	}
	if _, err := num.NewRate(c.MakerFeeRate); err != nil {
		verr.Problems = append(verr.Problems, "maker_fee_rate: "+err.Error())
	}
	if _, err := num.NewRate(c.TakerFeeRate); err != nil {
		verr.Problems = append(verr.Problems, "taker_fee_rate: "+err.Error())
	}
	if c.Start.IsZero() || c.End.IsZero() || c.End.Before(c.Start) {
		verr.Problems = append(verr.Problems, "start/end must be set and start <= end")
	}
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func leafErrors(e *jsonschema.ValidationError) []string {
	if len(e.Causes) == 0 {
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + e.Message}
	}
	var out []string
	for _, c := range e.Causes {
		out = append(out, leafErrors(c)...)
	}
	return out
}

// Range returns the millisecond bounds aligned to the timeframe grid.
func (c Config) Range() (start, end int64, err error) {
	tf, err := market.ParseTimeframe(c.Timeframe)
	if err != nil {
		return 0, 0, err
	}
	start, end = tf.AlignRange(c.Start.UnixMilli(), c.End.UnixMilli())
	return start, end, nil
}
