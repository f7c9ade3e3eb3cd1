package account

import (
	"testing"
	"time"

	"backtestd/internal/ledger"
	"backtestd/internal/pkg/num"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, 10, 10, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(t *testing.T, l *ledger.Ledger, id ledger.OrderID, side ledger.OrderSide, qty, price, fee string, at time.Time) ledger.Order {
	t.Helper()
	o, err := ledger.NewOrder(ledger.Request{Type: ledger.TypeMarket, Side: side, Quantity: dec(qty)}, id, at)
	require.NoError(t, err)
	require.NoError(t, l.Add(o))
	o, err = l.Apply(id, ledger.Filled(num.MustPrice(price), ledger.Fee{Amount: dec(fee), Currency: "USDT"}, at))
	require.NoError(t, err)
	return o
}

func assertIdentity(t *testing.T, a Account) {
	t.Helper()
	want := a.InitialCapital.Add(a.NetReturn).Add(a.OpenReturn)
	assert.True(t, want.Equal(a.Equity), "equity %s != %s", a.Equity, want)
}

func TestRoundTripEquity(t *testing.T) {
	acc, err := New(dec("1000"))
	require.NoError(t, err)
	l := ledger.New()

	entry := fill(t, l, "e-1", ledger.SideEntry, "10", "10", "1", t0)
	trade, err := ledger.OpenTrade(entry, "t-1")
	require.NoError(t, err)
	l.OpenTrade(trade)

	acc = Recompute(acc, l, dec("11"))
	assertIdentity(t, acc)
	assert.Equal(t, "10", acc.OpenReturn.String())
	assert.Equal(t, "1010", acc.Equity.String())
	assert.Equal(t, "899", acc.TotalCapital.String())
	assert.Equal(t, "10", acc.TotalAsset.String())

	exit := fill(t, l, "x-1", ledger.SideExit, "10", "12", "1.2", t0.Add(time.Hour))
	res, err := ledger.CloseTrades(l.Opening(), exit, "t-2")
	require.NoError(t, err)
	l.ApplyClose(res)

	acc = Recompute(acc, l, dec("12"))
	assertIdentity(t, acc)
	assert.Equal(t, "17.8", acc.NetReturn.String())
	assert.Equal(t, "1017.8", acc.Equity.String())
	assert.Equal(t, "1017.8", acc.TotalCapital.String())
	assert.Equal(t, "2.2", acc.TotalFees.String())
	assert.Equal(t, "17.8", acc.NetProfit.String())
	assert.True(t, acc.TotalAsset.IsZero())
}

func TestDrawdownIsMonotonic(t *testing.T) {
	acc, _ := New(dec("1000"))
	l := ledger.New()
	entry := fill(t, l, "e-1", ledger.SideEntry, "10", "10", "0", t0)
	trade, _ := ledger.OpenTrade(entry, "t-1")
	l.OpenTrade(trade)

	var last Account
	for i, p := range []string{"12", "8", "11", "9"} {
		acc = Recompute(acc, l, dec(p))
		assertIdentity(t, acc)
		if i > 0 {
			assert.True(t, acc.MaxDrawdown.GreaterThanOrEqual(last.MaxDrawdown))
			assert.True(t, acc.MaxRunUp.GreaterThanOrEqual(last.MaxRunUp))
		}
		last = acc
	}
	// peak 1020 at 12, trough 980 at 8
	assert.Equal(t, "40", acc.MaxDrawdown.String())
	assert.Equal(t, "30", acc.MaxRunUp.String())
}

func TestInOrdersReservation(t *testing.T) {
	acc, _ := New(dec("100"))
	l := ledger.New()
	o, err := ledger.NewOrder(ledger.Request{Type: ledger.TypeLimit, Side: ledger.SideEntry, Quantity: dec("2"), LimitPrice: dec("10")}, "l-1", t0)
	require.NoError(t, err)
	require.NoError(t, l.Add(o))
	_, err = l.Apply("l-1", ledger.Opened(t0))
	require.NoError(t, err)

	acc = Recompute(acc, l, dec("12"))
	assert.Equal(t, "20", acc.InOrdersCapital.String())
	assert.Equal(t, "80", acc.AvailableCapital.String())
	assert.True(t, acc.CanBuy(dec("80")))
	assert.False(t, acc.CanBuy(dec("80.00000001")))
	assert.False(t, acc.CanSell(dec("1")))
}

func TestNewRejectsNonPositiveCapital(t *testing.T) {
	_, err := New(decimal.Zero)
	assert.ErrorIs(t, err, num.ErrNotPositive)
}
