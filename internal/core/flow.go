package core

import (
	"fmt"

	"github.com/LliminM/rupair/internal/symbolic"
)

// =============================================================================
// 流敏感中间表示
// =============================================================================

// StmtKind 流图语句类型
type StmtKind string

const (
	StmtAlloc  StmtKind = "alloc"   // Target = 长度为 Value 的新缓冲区
	StmtSetLen StmtKind = "set_len" // Target 长度变为 Value（nil 表示未知）
	StmtAssign StmtKind = "assign"  // Target = Value
	StmtPtr    StmtKind = "ptr"     // Target = Base + Value（指针派生）
	StmtAccess StmtKind = "access"  // 受检访问 Base[Value]
)

// FlowStmt 基本块中的语句
type FlowStmt struct {
	Kind    StmtKind
	Loc     Location
	Target  string
	Value   symbolic.Expr
	Domain  *symbolic.Domain
	Mutable bool

	// alloc
	Array bool
	Decl  *Declaration

	// ptr / access
	Base         string
	RootIsBuffer bool
	Bare         bool // 直接解引用指针变量 *p
	Access       OperationKind
	Unsafe       bool
	Shape        *AccessShape
	Text         string
}

// Defines 语句改写的变量名；长度改变以长度符号表示
func (s FlowStmt) Defines() string {
	switch s.Kind {
	case StmtAssign, StmtPtr:
		return s.Target
	case StmtAlloc, StmtSetLen:
		return symbolic.LengthOf(s.Target).Name
	}
	return ""
}

// TermKind 终结指令类型
type TermKind string

const (
	TermGoto   TermKind = "goto"
	TermBranch TermKind = "branch"
	TermSwitch TermKind = "switch"
	TermReturn TermKind = "return"
)

// Terminator 基本块终结指令
// Branch 在 Cond 成立时转到 Then，否则转到 Else；Cond 为 nil 表示条件无法建模
type Terminator struct {
	Kind     TermKind
	Cond     symbolic.Pred
	CondText string
	Exact    bool // Cond 与源条件等价，可以取反
	Then     int
	Else     int
	Targets  []int
}

// Successors 后继块
func (t Terminator) Successors() []int {
	switch t.Kind {
	case TermGoto:
		return []int{t.Then}
	case TermBranch:
		return []int{t.Then, t.Else}
	case TermSwitch:
		return append([]int(nil), t.Targets...)
	}
	return nil
}

// FlowBlock 基本块
type FlowBlock struct {
	ID    int
	Stmts []FlowStmt
	Term  Terminator
	Preds []int
}

// FlowBody 单个函数的流图
type FlowBody struct {
	Name     string
	File     string
	Entry    int
	Blocks   []*FlowBlock
	VarTypes map[string]symbolic.Domain
	Consts   map[string]int64
	External bool // 来自外部 IR 文档，没有语法形态信息
}

// NewFlowBody 创建只含入口块的流图
func NewFlowBody(name, file string) *FlowBody {
	body := &FlowBody{
		Name:     name,
		File:     file,
		VarTypes: make(map[string]symbolic.Domain),
		Consts:   make(map[string]int64),
	}
	body.Entry = body.NewBlock()
	return body
}

// NewBlock 追加空块并返回编号
func (b *FlowBody) NewBlock() int {
	id := len(b.Blocks)
	b.Blocks = append(b.Blocks, &FlowBlock{ID: id, Term: Terminator{Kind: TermReturn}})
	return id
}

// Block 按编号取块
func (b *FlowBody) Block(id int) *FlowBlock {
	if id < 0 || id >= len(b.Blocks) {
		return nil
	}
	return b.Blocks[id]
}

// Link 根据终结指令重新计算前驱表并检查跳转目标
func (b *FlowBody) Link() error {
	for _, blk := range b.Blocks {
		blk.Preds = blk.Preds[:0]
	}
	for _, blk := range b.Blocks {
		for _, s := range blk.Term.Successors() {
			target := b.Block(s)
			if target == nil {
				return fmt.Errorf("block %d: jump to unknown block %d", blk.ID, s)
			}
			target.Preds = append(target.Preds, blk.ID)
		}
	}
	return nil
}

// ReversePostOrder 从入口可达块的逆后序
func (b *FlowBody) ReversePostOrder() []int {
	visited := make([]bool, len(b.Blocks))
	var post []int
	var visit func(id int)
	visit = func(id int) {
		visited[id] = true
		for _, s := range b.Blocks[id].Term.Successors() {
			if !visited[s] {
				visit(s)
			}
		}
		post = append(post, id)
	}
	if b.Block(b.Entry) != nil {
		visit(b.Entry)
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// ReachableAvoiding 从 from 出发、不经过 avoid 可达的块集合（含 from）
func (b *FlowBody) ReachableAvoiding(from, avoid int) map[int]bool {
	seen := map[int]bool{}
	if from == avoid {
		return seen
	}
	work := []int{from}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, s := range b.Blocks[id].Term.Successors() {
			if s != avoid && !seen[s] {
				work = append(work, s)
			}
		}
	}
	return seen
}

// Accesses 遍历所有访问语句
func (b *FlowBody) Accesses(fn func(block *FlowBlock, index int, stmt FlowStmt)) {
	for _, blk := range b.Blocks {
		for i, s := range blk.Stmts {
			if s.Kind == StmtAccess {
				fn(blk, i, s)
			}
		}
	}
}
