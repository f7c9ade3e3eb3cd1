package strategy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ID:             "sma-cross",
		Symbol:         "btcusdt",
		Timeframe:      "1H",
		Currency:       "usdt",
		InitialCapital: decimal.RequireFromString("1000"),
		MakerFeeRate:   decimal.RequireFromString("0.0002"),
		TakerFeeRate:   decimal.RequireFromString("0.001"),
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Source:         "actions = []",
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Normalize(0)
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, "1h", cfg.Timeframe)
	assert.Equal(t, "USDT", cfg.Currency)
	assert.Equal(t, DefaultExchange, cfg.Exchange)
	assert.Equal(t, "tengo", cfg.Language)
	assert.Equal(t, DefaultMaxNumKlines, cfg.MaxNumKlines)

	cfg = validConfig()
	cfg.Normalize(120)
	assert.Equal(t, 120, cfg.MaxNumKlines)
}

func TestNormalizePairNotation(t *testing.T) {
	cfg := validConfig()
	cfg.Symbol = "eth/usdc:usdc"
	cfg.Currency = ""
	cfg.Normalize(0)
	assert.Equal(t, "ETHUSDC", cfg.Symbol)
	assert.Equal(t, "USDC", cfg.Currency)
	require.NoError(t, cfg.Validate())
}

func TestValidateAcceptsNormalizedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Normalize(0)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fee rate above one", func(c *Config) { c.TakerFeeRate = decimal.RequireFromString("1.5") }},
		{"negative fee", func(c *Config) { c.MakerFeeRate = decimal.RequireFromString("-0.1") }},
		{"unknown timeframe", func(c *Config) { c.Timeframe = "7m" }},
		{"zero capital", func(c *Config) { c.InitialCapital = decimal.Zero }},
		{"end before start", func(c *Config) { c.End = c.Start.Add(-time.Hour) }},
		{"empty source", func(c *Config) { c.Source = "" }},
		{"bad language", func(c *Config) { c.Language = "lua" }},
		{"too many klines", func(c *Config) { c.MaxNumKlines = 9000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Normalize(0)
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Problems)
		})
	}
}

func TestRangeAlignsToGrid(t *testing.T) {
	cfg := validConfig()
	cfg.Normalize(0)
	cfg.Start = cfg.Start.Add(17 * time.Minute)
	start, end, err := cfg.Range()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), start)
	assert.Equal(t, cfg.End.UnixMilli(), end)
}

const sampleYAML = `id: breakout
symbol: ethusdt
timeframe: 15m
currency: USDT
initial_capital: "500"
maker_fee_rate: "0.0002"
taker_fee_rate: "0.0005"
start: 2024-03-01T00:00:00Z
end: 2024-03-02T00:00:00Z
source_file: breakout.tengo
`

func TestLoadDirResolvesSourceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "breakout.yaml"), []byte(sampleYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "breakout.tengo"), []byte("actions = []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	cfgs, err := LoadDir(dir, 0)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	cfg := cfgs[0]
	assert.Equal(t, ID("breakout"), cfg.ID)
	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, "actions = []\n", cfg.Source)
	assert.True(t, cfg.InitialCapital.Equal(decimal.RequireFromString("500")))
}

func TestLoadFileRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "typo.yml")
	body := sampleYAML + "leverage: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := LoadFile(path, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leverage")
}

func TestLoadDirDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	body := strings.Replace(sampleYAML, "source_file: breakout.tengo", `source: "actions = []"`, 1)
	body = strings.Replace(body, "id: breakout", "id: same", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(body), 0o644))
	_, err := LoadDir(dir, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same")
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.GetStrategy(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := validConfig()
	require.NoError(t, repo.SaveStrategy(ctx, cfg))
	got, err := repo.GetStrategy(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Source, got.Source)

	list, err := repo.ListStrategies(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Error(t, repo.SaveStrategy(ctx, Config{}))
}

func TestWatcherSync(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "breakout.yaml"), []byte(sampleYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "breakout.tengo"), []byte("actions = []\n"), 0o644))

	repo := NewMemoryRepository()
	w, err := NewWatcher(dir, 0, repo)
	require.NoError(t, err)
	n, err := w.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.GetStrategy(context.Background(), "breakout")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}
