// Package klines caches historical candles locally and fills gaps from a remote source.
package klines

import (
	"context"
	"time"

	"backtestd/internal/market"
)

// FetchRequest 描述一次远端 K 线请求。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64 // Unix ms
	End      int64 // Unix ms，0 表示不限制
	Limit    int
}

// Source 统一不同交易所/数据源的拉取行为。
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Kline, error)
	Name() string
}

const DefaultCloseGrace = 10 * time.Second

// DropUnclosed removes a trailing kline that has not closed by now (plus grace). Exchanges
// return the in-progress candle as the last element.
func DropUnclosed(klines []market.Kline, now time.Time, grace time.Duration) []market.Kline {
	if len(klines) == 0 {
		return klines
	}
	if grace < 0 {
		grace = 0
	}
	last := klines[len(klines)-1]
	if now.UnixMilli() < last.CloseTime+grace.Milliseconds() {
		return klines[:len(klines)-1]
	}
	return klines
}
