package sandbox

import (
	"errors"
	"fmt"
	"math"

	"backtestd/internal/ledger"

	"github.com/d5/tengo/v2"
	"github.com/shopspring/decimal"
)

// orderModule builds action maps. Scripts may also write the maps by hand:
//
//	actions = append(actions, {type: "LIMIT", side: "ENTRY", quantity: 1, limit_price: 9.5})
var orderModule = map[string]tengo.Object{
	"market":     actionFunc(ledger.TypeMarket, "quantity"),
	"limit":      actionFunc(ledger.TypeLimit, "quantity", "limit_price"),
	"stopMarket": actionFunc(ledger.TypeStopMarket, "quantity", "stop_price"),
	"stopLimit":  actionFunc(ledger.TypeStopLimit, "quantity", "stop_price", "limit_price"),
	"cancel": &tengo.UserFunction{Name: "cancel", Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		id, ok := tengo.ToString(args[0])
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "id", Expected: "string", Found: args[0].TypeName()}
		}
		return &tengo.ImmutableMap{Value: map[string]tengo.Object{
			"type":      &tengo.String{Value: string(ledger.TypeCancel)},
			"target_id": &tengo.String{Value: id},
		}}, nil
	}},
}

// actionFunc takes side followed by the named numeric fields.
func actionFunc(t ledger.OrderType, fields ...string) *tengo.UserFunction {
	return &tengo.UserFunction{Name: string(t), Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != len(fields)+1 {
			return nil, tengo.ErrWrongNumArguments
		}
		side, ok := tengo.ToString(args[0])
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: "side", Expected: "string", Found: args[0].TypeName()}
		}
		m := map[string]tengo.Object{
			"type": &tengo.String{Value: string(t)},
			"side": &tengo.String{Value: side},
		}
		for i, name := range fields {
			m[name] = args[i+1]
		}
		return &tengo.ImmutableMap{Value: m}, nil
	}}
}

var errActions = errors.New("actions must be an array of order maps")

// parseActions converts the script's actions value into ledger requests. Any malformed entry
// fails the whole list.
func parseActions(v interface{}) ([]ledger.Request, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, errActions
	}
	out := make([]ledger.Request, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("action %d: %w", i, errActions)
		}
		req, err := parseAction(m)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, req)
	}
	return out, nil
}

func parseAction(m map[string]interface{}) (ledger.Request, error) {
	typ, _ := m["type"].(string)
	t, err := ledger.ParseOrderType(typ)
	if err != nil {
		return ledger.Request{}, err
	}
	req := ledger.Request{Type: t}
	if t == ledger.TypeCancel {
		id, _ := m["target_id"].(string)
		if id == "" {
			return ledger.Request{}, errors.New("cancel without target_id")
		}
		req.TargetID = ledger.OrderID(id)
		return req, nil
	}
	side, _ := m["side"].(string)
	if req.Side, err = ledger.ParseOrderSide(side); err != nil {
		return ledger.Request{}, err
	}
	if req.Quantity, err = toDecimal(m, "quantity", true); err != nil {
		return ledger.Request{}, err
	}
	if req.LimitPrice, err = toDecimal(m, "limit_price", false); err != nil {
		return ledger.Request{}, err
	}
	if req.StopPrice, err = toDecimal(m, "stop_price", false); err != nil {
		return ledger.Request{}, err
	}
	return req, nil
}

func toDecimal(m map[string]interface{}, key string, required bool) (decimal.Decimal, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		if required {
			return decimal.Zero, fmt.Errorf("missing %s", key)
		}
		return decimal.Zero, nil
	}
	switch v := raw.(type) {
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("%s is not a finite number", key)
		}
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("%s has type %T", key, raw)
}
