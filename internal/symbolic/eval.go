package symbolic

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOverflow 运算超出 int64 范围
	ErrOverflow = errors.New("integer overflow")
	// ErrDivByZero 除零
	ErrDivByZero = errors.New("division by zero")
	// ErrUnbound 变量未赋值
	ErrUnbound = errors.New("unbound variable")
)

// Env 变量赋值
type Env map[string]int64

// Eval 在给定赋值下计算项的值
func Eval(e Expr, env Env) (int64, error) {
	switch t := e.(type) {
	case Lit:
		return t.Value, nil
	case Var:
		v, ok := env[t.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnbound, t.Name)
		}
		return v, nil
	case Opaque:
		v, ok := env[t.Name()]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnbound, t.Text)
		}
		return v, nil
	case Binary:
		x, err := Eval(t.X, env)
		if err != nil {
			return 0, err
		}
		y, err := Eval(t.Y, env)
		if err != nil {
			return 0, err
		}
		return apply(t.Op, x, y)
	}
	return 0, fmt.Errorf("unsupported term %T", e)
}

// EvalPred 在给定赋值下计算谓词的真值
func EvalPred(p Pred, env Env) (bool, error) {
	switch t := p.(type) {
	case Bool:
		return t.Value, nil
	case Cmp:
		x, err := Eval(t.X, env)
		if err != nil {
			return false, err
		}
		y, err := Eval(t.Y, env)
		if err != nil {
			return false, err
		}
		return compare(t.Op, x, y), nil
	case And:
		for _, q := range t.Ps {
			ok, err := EvalPred(q, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		var firstErr error
		for _, q := range t.Ps {
			ok, err := EvalPred(q, env)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, firstErr
	case Not:
		ok, err := EvalPred(t.P, env)
		return !ok, err
	}
	return false, fmt.Errorf("unsupported predicate %T", p)
}

func compare(op CmpOp, x, y int64) bool {
	switch op {
	case CmpLt:
		return x < y
	case CmpLe:
		return x <= y
	case CmpGt:
		return x > y
	case CmpGe:
		return x >= y
	case CmpEq:
		return x == y
	case CmpNe:
		return x != y
	}
	return false
}

// apply 带溢出检查的整数运算；除法与取余向零截断
func apply(op Op, x, y int64) (int64, error) {
	switch op {
	case OpAdd:
		r := x + y
		if (y > 0 && r < x) || (y < 0 && r > x) {
			return 0, ErrOverflow
		}
		return r, nil
	case OpSub:
		r := x - y
		if (y > 0 && r > x) || (y < 0 && r < x) {
			return 0, ErrOverflow
		}
		return r, nil
	case OpMul:
		if x == 0 || y == 0 {
			return 0, nil
		}
		r := x * y
		if r/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return 0, ErrOverflow
		}
		return r, nil
	case OpDiv:
		if y == 0 {
			return 0, ErrDivByZero
		}
		if x == math.MinInt64 && y == -1 {
			return 0, ErrOverflow
		}
		return x / y, nil
	case OpRem:
		if y == 0 {
			return 0, ErrDivByZero
		}
		if y == -1 {
			return 0, nil
		}
		return x % y, nil
	}
	return 0, fmt.Errorf("unsupported operator %v", op)
}
