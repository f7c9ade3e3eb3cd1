package sandbox

import (
	"backtestd/internal/ta"

	"github.com/d5/tengo/v2"
)

// taModule exposes the indicator library. Indicators return undefined when the input is too
// short for the period.
var taModule = map[string]tengo.Object{
	"sma":        periodFunc("sma", ta.SMA),
	"ema":        periodFunc("ema", ta.EMA),
	"wma":        periodFunc("wma", ta.WMA),
	"rsi":        periodFunc("rsi", ta.RSI),
	"roc":        periodFunc("roc", ta.ROC),
	"stddev":     &tengo.UserFunction{Name: "stddev", Value: stddev},
	"macd":       &tengo.UserFunction{Name: "macd", Value: macd},
	"bbands":     &tengo.UserFunction{Name: "bbands", Value: bbands},
	"atr":        hlcFunc("atr", ta.ATR),
	"willr":      hlcFunc("willr", ta.WilliamsR),
	"cci":        hlcFunc("cci", ta.CCI),
	"adx":        hlcFunc("adx", ta.ADX),
	"stoch":      &tengo.UserFunction{Name: "stoch", Value: stoch},
	"obv":        &tengo.UserFunction{Name: "obv", Value: obv},
	"mfi":        &tengo.UserFunction{Name: "mfi", Value: mfi},
	"crossover":  pairFunc("crossover", ta.Crossover),
	"crossunder": pairFunc("crossunder", ta.Crossunder),
	"rising":     trendFunc("rising", ta.Rising),
	"falling":    trendFunc("falling", ta.Falling),
	"highest":    scanFunc("highest", ta.Highest),
	"lowest":     scanFunc("lowest", ta.Lowest),
	"change":     scanFunc("change", ta.Change),
}

func toFloats(name string, o tengo.Object) ([]float64, error) {
	var items []tengo.Object
	switch arr := o.(type) {
	case *tengo.Array:
		items = arr.Value
	case *tengo.ImmutableArray:
		items = arr.Value
	default:
		return nil, tengo.ErrInvalidArgumentType{Name: name, Expected: "array", Found: o.TypeName()}
	}
	out := make([]float64, len(items))
	for i, item := range items {
		v, ok := tengo.ToFloat64(item)
		if !ok {
			return nil, tengo.ErrInvalidArgumentType{Name: name, Expected: "number", Found: item.TypeName()}
		}
		out[i] = v
	}
	return out, nil
}

func toInt(name string, o tengo.Object) (int, error) {
	v, ok := tengo.ToInt(o)
	if !ok {
		return 0, tengo.ErrInvalidArgumentType{Name: name, Expected: "int", Found: o.TypeName()}
	}
	return v, nil
}

func seriesObject(s ta.Series, ok bool) tengo.Object {
	if !ok {
		return tengo.UndefinedValue
	}
	return floatArray(s)
}

func boolObject(b bool) tengo.Object {
	if b {
		return tengo.TrueValue
	}
	return tengo.FalseValue
}

func periodFunc(name string, fn func([]float64, int) (ta.Series, bool)) *tengo.UserFunction {
	return &tengo.UserFunction{Name: name, Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		values, err := toFloats("values", args[0])
		if err != nil {
			return nil, err
		}
		period, err := toInt("period", args[1])
		if err != nil {
			return nil, err
		}
		return seriesObject(fn(values, period)), nil
	}}
}

func hlcFunc(name string, fn func(h, l, c []float64, period int) (ta.Series, bool)) *tengo.UserFunction {
	return &tengo.UserFunction{Name: name, Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 4 {
			return nil, tengo.ErrWrongNumArguments
		}
		cols, err := columns(args[:3], "high", "low", "close")
		if err != nil {
			return nil, err
		}
		period, err := toInt("period", args[3])
		if err != nil {
			return nil, err
		}
		return seriesObject(fn(cols[0], cols[1], cols[2], period)), nil
	}}
}

func columns(args []tengo.Object, names ...string) ([][]float64, error) {
	out := make([][]float64, len(args))
	for i, a := range args {
		v, err := toFloats(names[i], a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func pairFunc(name string, fn func(a, b []float64) bool) *tengo.UserFunction {
	return &tengo.UserFunction{Name: name, Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		cols, err := columns(args, "a", "b")
		if err != nil {
			return nil, err
		}
		return boolObject(fn(cols[0], cols[1])), nil
	}}
}

func trendFunc(name string, fn func([]float64, int) bool) *tengo.UserFunction {
	return &tengo.UserFunction{Name: name, Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		values, err := toFloats("values", args[0])
		if err != nil {
			return nil, err
		}
		period, err := toInt("period", args[1])
		if err != nil {
			return nil, err
		}
		return boolObject(fn(values, period)), nil
	}}
}

func scanFunc(name string, fn func([]float64, int) (float64, bool)) *tengo.UserFunction {
	return &tengo.UserFunction{Name: name, Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		values, err := toFloats("values", args[0])
		if err != nil {
			return nil, err
		}
		period, err := toInt("period", args[1])
		if err != nil {
			return nil, err
		}
		v, ok := fn(values, period)
		if !ok {
			return tengo.UndefinedValue, nil
		}
		return &tengo.Float{Value: v}, nil
	}}
}

func stddev(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	values, err := toFloats("values", args[0])
	if err != nil {
		return nil, err
	}
	period, err := toInt("period", args[1])
	if err != nil {
		return nil, err
	}
	devs := 1.0
	if len(args) == 3 {
		if d, ok := tengo.ToFloat64(args[2]); ok {
			devs = d
		}
	}
	return seriesObject(ta.StdDev(values, period, devs)), nil
}

func macd(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 4 {
		return nil, tengo.ErrWrongNumArguments
	}
	values, err := toFloats("values", args[0])
	if err != nil {
		return nil, err
	}
	periods := make([]int, 3)
	for i, name := range []string{"fast", "slow", "signal"} {
		if periods[i], err = toInt(name, args[i+1]); err != nil {
			return nil, err
		}
	}
	res, ok := ta.MACD(values, periods[0], periods[1], periods[2])
	if !ok {
		return tengo.UndefinedValue, nil
	}
	return &tengo.ImmutableMap{Value: map[string]tengo.Object{
		"macd":      floatArray(res.MACD),
		"signal":    floatArray(res.Signal),
		"histogram": floatArray(res.Histogram),
	}}, nil
}

func bbands(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	values, err := toFloats("values", args[0])
	if err != nil {
		return nil, err
	}
	period, err := toInt("period", args[1])
	if err != nil {
		return nil, err
	}
	devs := 2.0
	if len(args) == 3 {
		if d, ok := tengo.ToFloat64(args[2]); ok {
			devs = d
		}
	}
	res, ok := ta.BollingerBands(values, period, devs)
	if !ok {
		return tengo.UndefinedValue, nil
	}
	return &tengo.ImmutableMap{Value: map[string]tengo.Object{
		"upper":  floatArray(res.Upper),
		"middle": floatArray(res.Middle),
		"lower":  floatArray(res.Lower),
	}}, nil
}

func stoch(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 6 {
		return nil, tengo.ErrWrongNumArguments
	}
	cols, err := columns(args[:3], "high", "low", "close")
	if err != nil {
		return nil, err
	}
	periods := make([]int, 3)
	for i, name := range []string{"fast_k", "slow_k", "slow_d"} {
		if periods[i], err = toInt(name, args[i+3]); err != nil {
			return nil, err
		}
	}
	res, ok := ta.Stochastic(cols[0], cols[1], cols[2], periods[0], periods[1], periods[2])
	if !ok {
		return tengo.UndefinedValue, nil
	}
	return &tengo.ImmutableMap{Value: map[string]tengo.Object{
		"k": floatArray(res.K),
		"d": floatArray(res.D),
	}}, nil
}

func obv(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	cols, err := columns(args, "close", "volume")
	if err != nil {
		return nil, err
	}
	return seriesObject(ta.OBV(cols[0], cols[1])), nil
}

func mfi(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 5 {
		return nil, tengo.ErrWrongNumArguments
	}
	cols, err := columns(args[:4], "high", "low", "close", "volume")
	if err != nil {
		return nil, err
	}
	period, err := toInt("period", args[4])
	if err != nil {
		return nil, err
	}
	return seriesObject(ta.MFI(cols[0], cols[1], cols[2], cols[3], period)), nil
}
