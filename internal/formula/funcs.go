package formula

import (
	"fmt"

	"github.com/race-share/share/internal/model"
)

// funcSpec describes one function library entry (spec.md §4.4): its name
// and admissible arity. Arity is checked at formula-parse time; argument
// types are not checked at parse time, only when eval converts each
// argument.
type funcSpec struct {
	name    string
	minArgs int
	maxArgs int // -1 means unbounded
	// needsCurrent marks increment/stack functions that read ctx.Current
	// rather than (only) their arguments.
	needsCurrent bool
	eval         func(ctx *EvalContext, args []model.CellValue) (model.CellValue, error)
}

func asLong(v model.CellValue) (int64, error) {
	if l, ok := v.AsLong(); ok {
		return l, nil
	}
	return 0, fmt.Errorf("formula: expected Long/Boolean argument, got %s", v.Type)
}

func asDouble(v model.CellValue) (float64, error) {
	if d, ok := v.AsDouble(); ok {
		return d, nil
	}
	if l, ok := v.AsLong(); ok {
		return float64(l), nil
	}
	return 0, fmt.Errorf("formula: expected numeric argument, got %s", v.Type)
}

func asBool(v model.CellValue) (bool, error) {
	if b, ok := v.AsBool(); ok {
		return b, nil
	}
	return false, fmt.Errorf("formula: expected Boolean argument, got %s", v.Type)
}

func numericCompare(args []model.CellValue, cmp func(a, b float64) bool) (model.CellValue, error) {
	a, err := asDouble(args[0])
	if err != nil {
		return model.CellValue{}, err
	}
	b, err := asDouble(args[1])
	if err != nil {
		return model.CellValue{}, err
	}
	return model.BoolValue(cmp(a, b), 0), nil
}

var library = buildLibrary()

func buildLibrary() map[string]*funcSpec {
	lib := map[string]*funcSpec{}
	reg := func(spec *funcSpec) { lib[spec.name] = spec }

	reg(&funcSpec{name: "isum", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		var sum int64
		for _, a := range args {
			v, err := asLong(a)
			if err != nil {
				return model.CellValue{}, err
			}
			sum += v
		}
		return model.LongValue(sum, 0), nil
	}})

	reg(&funcSpec{name: "rsum", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		var sum float64
		for _, a := range args {
			v, err := asDouble(a)
			if err != nil {
				return model.CellValue{}, err
			}
			sum += v
		}
		return model.DoubleValue(sum, 0), nil
	}})

	reg(&funcSpec{name: "imax", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		max, err := asLong(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		for _, a := range args[1:] {
			v, err := asLong(a)
			if err != nil {
				return model.CellValue{}, err
			}
			if v > max {
				max = v
			}
		}
		return model.LongValue(max, 0), nil
	}})

	reg(&funcSpec{name: "rmax", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		max, err := asDouble(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		for _, a := range args[1:] {
			v, err := asDouble(a)
			if err != nil {
				return model.CellValue{}, err
			}
			if v > max {
				max = v
			}
		}
		return model.DoubleValue(max, 0), nil
	}})

	reg(&funcSpec{name: "iavg", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		var sum int64
		for _, a := range args {
			v, err := asLong(a)
			if err != nil {
				return model.CellValue{}, err
			}
			sum += v
		}
		return model.LongValue(sum/int64(len(args)), 0), nil
	}})

	reg(&funcSpec{name: "ravg", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		var sum float64
		for _, a := range args {
			v, err := asDouble(a)
			if err != nil {
				return model.CellValue{}, err
			}
			sum += v
		}
		return model.DoubleValue(sum/float64(len(args)), 0), nil
	}})

	reg(&funcSpec{name: "iinc", minArgs: 1, maxArgs: 1, needsCurrent: true, eval: func(ctx *EvalContext, args []model.CellValue) (model.CellValue, error) {
		step, err := asLong(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		cur, _ := ctx.Current.AsLong()
		return model.LongValue(cur+step, 0), nil
	}})

	reg(&funcSpec{name: "rinc", minArgs: 1, maxArgs: 1, needsCurrent: true, eval: func(ctx *EvalContext, args []model.CellValue) (model.CellValue, error) {
		step, err := asDouble(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		cur, _ := ctx.Current.AsDouble()
		return model.DoubleValue(cur+step, 0), nil
	}})

	reg(&funcSpec{name: "iset", minArgs: 1, maxArgs: 1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		v, err := asLong(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		return model.LongValue(v, 0), nil
	}})

	reg(&funcSpec{name: "rset", minArgs: 1, maxArgs: 1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		v, err := asDouble(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		return model.DoubleValue(v, 0), nil
	}})

	reg(&funcSpec{name: "iif", minArgs: 3, maxArgs: 3, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		cond, err := asBool(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		if cond {
			return args[1], nil
		}
		return args[2], nil
	}})

	reg(&funcSpec{name: "gt", minArgs: 2, maxArgs: 2, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		return numericCompare(args, func(a, b float64) bool { return a > b })
	}})
	reg(&funcSpec{name: "lt", minArgs: 2, maxArgs: 2, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		return numericCompare(args, func(a, b float64) bool { return a < b })
	}})
	reg(&funcSpec{name: "gte", minArgs: 2, maxArgs: 2, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		return numericCompare(args, func(a, b float64) bool { return a >= b })
	}})
	reg(&funcSpec{name: "lte", minArgs: 2, maxArgs: 2, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		return numericCompare(args, func(a, b float64) bool { return a <= b })
	}})
	reg(&funcSpec{name: "eq", minArgs: 2, maxArgs: 2, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		return numericCompare(args, func(a, b float64) bool { return a == b })
	}})
	reg(&funcSpec{name: "neq", minArgs: 2, maxArgs: 2, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		return numericCompare(args, func(a, b float64) bool { return a != b })
	}})

	reg(&funcSpec{name: "and", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		for _, a := range args {
			b, err := asBool(a)
			if err != nil {
				return model.CellValue{}, err
			}
			if !b {
				return model.BoolValue(false, 0), nil
			}
		}
		return model.BoolValue(true, 0), nil
	}})
	reg(&funcSpec{name: "or", minArgs: 1, maxArgs: -1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		for _, a := range args {
			b, err := asBool(a)
			if err != nil {
				return model.CellValue{}, err
			}
			if b {
				return model.BoolValue(true, 0), nil
			}
		}
		return model.BoolValue(false, 0), nil
	}})
	reg(&funcSpec{name: "not", minArgs: 1, maxArgs: 1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		b, err := asBool(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		return model.BoolValue(!b, 0), nil
	}})

	const defaultStackDepth = 16
	reg(&funcSpec{name: "ilpushn", minArgs: 1, maxArgs: 2, needsCurrent: true, eval: func(ctx *EvalContext, args []model.CellValue) (model.CellValue, error) {
		v, err := asLong(args[0])
		if err != nil {
			return model.CellValue{}, err
		}
		depth := defaultStackDepth
		if len(args) == 2 {
			n, err := asLong(args[1])
			if err != nil {
				return model.CellValue{}, err
			}
			depth = int(n)
		}
		cur := ctx.Current.LongList
		next := make([]int64, 0, depth)
		next = append(next, v)
		next = append(next, cur...)
		if len(next) > depth {
			next = next[:depth]
		}
		return model.LongListValue(next, 0), nil
	}})

	reg(&funcSpec{name: "ilavg", minArgs: 1, maxArgs: 1, eval: func(_ *EvalContext, args []model.CellValue) (model.CellValue, error) {
		if args[0].Type != model.TypeLongList {
			return model.CellValue{}, fmt.Errorf("formula: ilavg expects a LongList argument, got %s", args[0].Type)
		}
		list := args[0].LongList
		if len(list) == 0 {
			return model.DoubleValue(0, 0), nil
		}
		var sum int64
		for _, v := range list {
			sum += v
		}
		return model.DoubleValue(float64(sum)/float64(len(list)), 0), nil
	}})

	return lib
}

// lookupFunc returns the named function spec and whether its arity
// (len(args)) is admissible.
func lookupFunc(name string, argc int) (*funcSpec, error) {
	spec, ok := library[name]
	if !ok {
		return nil, fmt.Errorf("formula: unknown function %q", name)
	}
	if argc < spec.minArgs || (spec.maxArgs >= 0 && argc > spec.maxArgs) {
		return nil, fmt.Errorf("formula: function %q takes %d..%s arguments, got %d",
			name, spec.minArgs, maxArgString(spec.maxArgs), argc)
	}
	return spec, nil
}

func maxArgString(max int) string {
	if max < 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d", max)
}

