package sandbox

import (
	"fmt"
	"math"
	"strconv"

	lua "github.com/Shopify/go-lua"
)

// maxDepth bounds recursion when walking values across the boundary so a
// deeply nested or cyclic table cannot exhaust the host stack.
const maxDepth = 64

// pushValue copies a decoded JSON value onto the Lua stack. Only the JSON
// value set is supported: nil, booleans, numbers, strings, arrays, objects.
func pushValue(l *lua.State, value any) error {
	switch v := value.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case float64:
		l.PushNumber(v)
	case string:
		l.PushString(v)
	case []any:
		l.CreateTable(len(v), 0)
		for i, item := range v {
			if err := pushValue(l, item); err != nil {
				l.Pop(1)
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(v))
		for key, item := range v {
			l.PushString(key)
			if err := pushValue(l, item); err != nil {
				l.Pop(2)
				return err
			}
			l.RawSet(-3)
		}
	default:
		return fmt.Errorf("unsupported value of type %T", value)
	}
	return nil
}

// toValue reads the Lua value at index back into a plain Go value. budget is
// a rough byte allowance shared across the walk; exceeding it means the
// script built a structure past the boundary limit.
func toValue(l *lua.State, index, depth, budget int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: value nests deeper than %d levels", ErrLimitExceeded, maxDepth)
	}
	switch l.TypeOf(index) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("number %v is not representable in JSON", n)
		}
		return n, nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeTable:
		return tableToValue(l, index, depth, budget)
	default:
		return nil, fmt.Errorf("unsupported value of type %s", typeName(l.TypeOf(index)))
	}
}

// tableToValue converts a Lua table to a JSON array when its keys are exactly
// 1..n, and to a JSON object otherwise. An empty table becomes an empty
// object, matching how an empty projection state round-trips.
func tableToValue(l *lua.State, index, depth, budget int) (any, error) {
	abs := l.AbsIndex(index)
	entries := make(map[string]any)
	indexed := make(map[int]any)
	count := 0
	maxIndex := 0
	arrayLike := true
	used := 0

	l.PushNil()
	for l.Next(abs) {
		value, err := toValue(l, -1, depth+1, budget-used)
		if err != nil {
			l.Pop(2)
			return nil, err
		}

		switch l.TypeOf(-2) {
		case lua.TypeNumber:
			n, _ := l.ToNumber(-2)
			if n == math.Trunc(n) && n >= 1 && n <= math.MaxInt32 {
				i := int(n)
				indexed[i] = value
				if i > maxIndex {
					maxIndex = i
				}
			} else {
				arrayLike = false
				entries[strconv.FormatFloat(n, 'g', -1, 64)] = value
			}
		case lua.TypeString:
			arrayLike = false
			key, _ := l.ToString(-2)
			entries[key] = value
			used += len(key)
		default:
			kind := typeName(l.TypeOf(-2))
			l.Pop(2)
			return nil, fmt.Errorf("unsupported table key of type %s", kind)
		}

		count++
		used += 16
		if budget > 0 && used > budget {
			l.Pop(2)
			return nil, fmt.Errorf("%w: value exceeds boundary budget", ErrLimitExceeded)
		}
		l.Pop(1)
	}

	if count == 0 {
		return map[string]any{}, nil
	}
	if arrayLike && maxIndex == count {
		ordered := make([]any, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			ordered[i-1] = indexed[i]
		}
		return ordered, nil
	}
	for i, value := range indexed {
		entries[strconv.Itoa(i)] = value
	}
	return entries, nil
}

// displayString renders an argument for console capture without invoking
// script-controlled metamethods.
func displayString(l *lua.State, index int) string {
	switch l.TypeOf(index) {
	case lua.TypeNil:
		return "nil"
	case lua.TypeBoolean:
		return strconv.FormatBool(l.ToBoolean(index))
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return strconv.FormatFloat(n, 'g', -1, 64)
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	default:
		return "<" + typeName(l.TypeOf(index)) + ">"
	}
}

func typeName(t lua.Type) string {
	switch t {
	case lua.TypeNil:
		return "nil"
	case lua.TypeBoolean:
		return "boolean"
	case lua.TypeNumber:
		return "number"
	case lua.TypeString:
		return "string"
	case lua.TypeTable:
		return "table"
	case lua.TypeFunction:
		return "function"
	case lua.TypeUserData:
		return "userdata"
	case lua.TypeThread:
		return "thread"
	default:
		return "unknown"
	}
}
