package klines

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"backtestd/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const binanceMaxLimit = 1500

type BinanceConfig struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

// BinanceSource 基于 go-binance SDK 拉取 USDT 合约历史 K 线。
type BinanceSource struct {
	client *futures.Client
	now    func() time.Time
}

func NewBinanceSource(cfg BinanceConfig) *BinanceSource {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = base
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client, now: time.Now}
}

func (b *BinanceSource) Name() string { return "binance" }

func (b *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Kline, error) {
	if req.Symbol == "" || req.Interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	limit := req.Limit
	if limit <= 0 || limit > binanceMaxLimit {
		limit = 1000
	}
	svc := b.client.NewKlinesService().Symbol(strings.ToUpper(req.Symbol)).Interval(req.Interval).Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", req.Symbol, req.Interval, err)
	}
	out := make([]market.Kline, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		k, err := binanceKline(req, kl)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return DropUnclosed(out, b.now(), DefaultCloseGrace), nil
}

func binanceKline(req FetchRequest, kl *futures.Kline) (market.Kline, error) {
	k := market.Kline{
		Exchange:  "binance",
		Symbol:    strings.ToUpper(req.Symbol),
		Timeframe: req.Interval,
		OpenTime:  kl.OpenTime,
		CloseTime: kl.CloseTime,
		Trades:    kl.TradeNum,
	}
	fields := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&k.Open, kl.Open}, {&k.High, kl.High}, {&k.Low, kl.Low}, {&k.Close, kl.Close},
		{&k.Volume, kl.Volume}, {&k.QuoteVolume, kl.QuoteAssetVolume},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return market.Kline{}, fmt.Errorf("binance kline %d: parse %q: %w", kl.OpenTime, f.raw, err)
		}
		*f.dst = v
	}
	return k, nil
}
