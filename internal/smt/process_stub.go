//go:build noz3

package smt

import "fmt"

// 以 noz3 标签构建时不支持外部求解器
func newProcessSolver(opts Options) (Solver, error) {
	return nil, fmt.Errorf("%w: built without external solver support (noz3)", ErrUnavailable)
}
