package rules

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Shopify/go-lua"
)

// ErrEvaluation wraps expression failures so callers can tell an engine
// fault apart from a rule that is merely unsatisfied.
var ErrEvaluation = errors.New("rules: evaluation error")

// neuter removes the nondeterministic and side-effecting surface of the
// standard libraries. The same (rule, environment) pair must always
// evaluate to the same result, so clocks, randomness, and I/O are off
// limits to rule expressions.
const neuter = `
os = nil
io = nil
print = nil
dofile = nil
loadfile = nil
require = nil
math.random = nil
math.randomseed = nil
`

// evalExpr runs a boolean expression in a fresh interpreter with the
// environment exposed as globals. Each evaluation gets its own state so
// rules can never observe one another.
func evalExpr(expr string, env map[string]any) (bool, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.DoString(state, neuter); err != nil {
		return false, fmt.Errorf("%w: sandbox setup: %v", ErrEvaluation, err)
	}
	for name, value := range env {
		if !validIdentifier(name) {
			return false, fmt.Errorf("%w: environment key %q is not a valid identifier", ErrEvaluation, name)
		}
		if err := pushValue(state, value); err != nil {
			return false, err
		}
		state.SetGlobal(name)
	}
	if err := lua.DoString(state, "return ("+expr+")"); err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrEvaluation, expr, err)
	}
	verdict := state.ToBoolean(-1)
	state.Pop(1)
	return verdict, nil
}

// maxExactInt is the largest integer a Lua number (a float64) represents
// exactly. Larger counters would silently round inside rule expressions, so
// evaluation rejects them instead.
const maxExactInt = int64(1) << 53

func pushInt(state *lua.State, n int64) error {
	if n > maxExactInt || n < -maxExactInt {
		return fmt.Errorf("%w: integer %d is outside the exact numeric range", ErrEvaluation, n)
	}
	state.PushNumber(float64(n))
	return nil
}

func pushValue(state *lua.State, value any) error {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(v)
	case string:
		state.PushString(v)
	case int:
		return pushInt(state, int64(v))
	case int64:
		return pushInt(state, v)
	case uint64:
		if v > uint64(maxExactInt) {
			return fmt.Errorf("%w: integer %d is outside the exact numeric range", ErrEvaluation, v)
		}
		state.PushNumber(float64(v))
	case float64:
		state.PushNumber(v)
	case []any:
		state.NewTable()
		for i, item := range v {
			if err := pushValue(state, item); err != nil {
				return err
			}
			state.RawSetInt(-2, i+1)
		}
	case []string:
		state.NewTable()
		for i, item := range v {
			state.PushString(item)
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.NewTable()
		for key, item := range v {
			if err := pushValue(state, item); err != nil {
				return err
			}
			state.SetField(-2, key)
		}
	default:
		return fmt.Errorf("%w: unsupported environment value type %T", ErrEvaluation, value)
	}
	return nil
}

// expressionLiteral renders a parameter value as an expression literal for
// template substitution.
func expressionLiteral(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "nil", nil
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return strconv.Quote(v), nil
	case int:
		return intLiteral(int64(v))
	case int64:
		return intLiteral(v)
	case uint64:
		if v > uint64(maxExactInt) {
			return "", fmt.Errorf("integer %d is outside the exact numeric range", v)
		}
		return strconv.FormatUint(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported param type %T", value)
	}
}

func intLiteral(n int64) (string, error) {
	if n > maxExactInt || n < -maxExactInt {
		return "", fmt.Errorf("integer %d is outside the exact numeric range", n)
	}
	return strconv.FormatInt(n, 10), nil
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return !reservedWord(name)
}

func reservedWord(name string) bool {
	switch name {
	case "and", "or", "not", "nil", "true", "false", "if", "then", "else",
		"elseif", "end", "for", "while", "do", "repeat", "until", "function",
		"local", "return", "break", "in", "goto":
		return true
	}
	return false
}
