package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/rust"
)

// ParserPool 管理 tree-sitter Parser 实例池
// 使用 sync.Pool 允许每个 goroutine 获取独立的 Parser
type ParserPool struct {
	pool sync.Pool
}

// NewParserPool 创建新的 Parser Pool
func NewParserPool() *ParserPool {
	return &ParserPool{
		pool: sync.Pool{
			New: func() interface{} {
				parser := sitter.NewParser()
				parser.SetLanguage(rust.GetLanguage())
				return parser
			},
		},
	}
}

// Get 从 Pool 获取 Parser
func (p *ParserPool) Get() *sitter.Parser {
	return p.pool.Get().(*sitter.Parser)
}

// Put 将 Parser 归还到 Pool
func (p *ParserPool) Put(parser *sitter.Parser) {
	parser.Reset()
	p.pool.Put(parser)
}

// globalParserPool 全局 Parser Pool 实例
var globalParserPool = NewParserPool()

// queryCache 全局 Query 缓存（Query 创建后只读，可跨 goroutine 共享）
var (
	queryCache sync.Map
	queryMu    sync.Mutex
)

// GetQueryFromCache 从缓存获取或创建 Query
func GetQueryFromCache(queryPattern string) (*sitter.Query, error) {
	if cached, ok := queryCache.Load(queryPattern); ok {
		return cached.(*sitter.Query), nil
	}

	queryMu.Lock()
	defer queryMu.Unlock()

	// 双重检查：可能在等待锁期间已被其他 goroutine 创建
	if cached, ok := queryCache.Load(queryPattern); ok {
		return cached.(*sitter.Query), nil
	}

	query, err := sitter.NewQuery([]byte(queryPattern), rust.GetLanguage())
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	queryCache.Store(queryPattern, query)
	return query, nil
}

// ParsedUnit 表示一个已解析的源文件
type ParsedUnit struct {
	FilePath string
	Root     *sitter.Node
	Source   []byte
	Tree     *sitter.Tree
}

// QueryMatch 表示查询匹配的结果
type QueryMatch struct {
	Node     *sitter.Node
	Captures map[string]*sitter.Node
}

// ParseSource 解析内存中的 Rust 源码
// 语法错误由 tree-sitter 的错误恢复处理；无法得到语法树时返回 ErrRepresentation
func ParseSource(ctx context.Context, path string, source []byte) (*ParsedUnit, error) {
	parser := globalParserPool.Get()
	defer globalParserPool.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, NewError(CodeRepresentation, "parse", path, err)
	}
	if tree == nil || tree.RootNode() == nil {
		return nil, NewError(CodeRepresentation, "parse", path, fmt.Errorf("empty syntax tree"))
	}

	return &ParsedUnit{
		FilePath: path,
		Root:     tree.RootNode(),
		Source:   source,
		Tree:     tree,
	}, nil
}

// ParseFile 读取并解析单个文件
func ParseFile(ctx context.Context, filePath string) (*ParsedUnit, error) {
	source, err := os.ReadFile(filePath)
	if err != nil {
		return nil, NewError(CodeSourceIO, "read", filePath, err)
	}
	return ParseSource(ctx, filePath, source)
}

// Close 释放语法树
func (u *ParsedUnit) Close() {
	if u != nil && u.Tree != nil {
		u.Tree.Close()
	}
}

// Query 执行查询并返回详细的匹配结果（使用 Query 缓存）
func (u *ParsedUnit) Query(queryPattern string) ([]QueryMatch, error) {
	query, err := GetQueryFromCache(queryPattern)
	if err != nil {
		return nil, err
	}

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()

	cursor.Exec(query, u.Root)

	var matches []QueryMatch
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		if len(match.Captures) == 0 {
			continue
		}
		qm := QueryMatch{
			Node:     match.Captures[0].Node,
			Captures: make(map[string]*sitter.Node),
		}
		for _, capture := range match.Captures {
			qm.Captures[query.CaptureNameForId(capture.Index)] = capture.Node
		}
		matches = append(matches, qm)
	}
	return matches, nil
}

// GetSourceText 获取节点的源代码文本
func (u *ParsedUnit) GetSourceText(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	return u.SpanText(SpanOf(node))
}

// SpanText 获取字节区间的源代码文本
func (u *ParsedUnit) SpanText(s Span) string {
	end := s.End
	if end > uint32(len(u.Source)) {
		end = uint32(len(u.Source))
	}
	if s.Start >= end {
		return ""
	}
	return string(u.Source[s.Start:end])
}

// LocationOf 计算节点的源码位置
func (u *ParsedUnit) LocationOf(node *sitter.Node) Location {
	start, end := node.StartPoint(), node.EndPoint()
	return Location{
		File:      u.FilePath,
		Line:      int(start.Row) + 1,
		Column:    int(start.Column) + 1,
		EndLine:   int(end.Row) + 1,
		EndColumn: int(end.Column) + 1,
		Span:      SpanOf(node),
	}
}

// LocationAt 计算字节区间的源码位置，用于宏参数等没有语法节点的片段
func (u *ParsedUnit) LocationAt(s Span) Location {
	loc := Location{File: u.FilePath, Line: 1, Column: 1, Span: s}
	line, col := 1, 1
	for i := uint32(0); i < s.End && i < uint32(len(u.Source)); i++ {
		if i == s.Start {
			loc.Line, loc.Column = line, col
		}
		if u.Source[i] == '\n' {
			line, col = line+1, 1
		} else {
			col++
		}
	}
	loc.EndLine, loc.EndColumn = line, col
	return loc
}

// SpanOf 节点的字节区间
func SpanOf(node *sitter.Node) Span {
	return Span{Start: node.StartByte(), End: node.EndByte()}
}

// FunctionDef 函数定义
type FunctionDef struct {
	Name   string
	Node   *sitter.Node
	Body   *sitter.Node
	Unsafe bool
}

// FindFunctions 查找所有带函数体的函数定义（含 impl 中的方法）
func (u *ParsedUnit) FindFunctions() ([]FunctionDef, error) {
	matches, err := u.Query(`(function_item name: (identifier) @name body: (block) @body) @func`)
	if err != nil {
		return nil, err
	}
	funcs := make([]FunctionDef, 0, len(matches))
	for _, m := range matches {
		fn := m.Captures["func"]
		funcs = append(funcs, FunctionDef{
			Name:   u.GetSourceText(m.Captures["name"]),
			Node:   fn,
			Body:   m.Captures["body"],
			Unsafe: u.isUnsafeFn(fn),
		})
	}
	return funcs, nil
}

func (u *ParsedUnit) isUnsafeFn(fn *sitter.Node) bool {
	for i := 0; i < int(fn.ChildCount()); i++ {
		child := fn.Child(i)
		if child.Type() == "function_modifiers" && strings.Contains(u.GetSourceText(child), "unsafe") {
			return true
		}
	}
	return false
}

// FindConstants 收集顶层整数常量 const N: usize = 16;
func (u *ParsedUnit) FindConstants() map[string]int64 {
	consts := make(map[string]int64)
	matches, err := u.Query(`(const_item name: (identifier) @name value: (integer_literal) @value)`)
	if err != nil {
		return consts
	}
	for _, m := range matches {
		if v, _, ok := ParseIntLiteral(u.GetSourceText(m.Captures["value"])); ok {
			consts[u.GetSourceText(m.Captures["name"])] = v
		}
	}
	return consts
}

// InUnsafeRegion 节点是否位于 unsafe 块或 unsafe fn 中
func (u *ParsedUnit) InUnsafeRegion(node *sitter.Node) bool {
	for cur := node.Parent(); cur != nil; cur = cur.Parent() {
		switch cur.Type() {
		case "unsafe_block":
			return true
		case "function_item":
			return u.isUnsafeFn(cur)
		}
	}
	return false
}

// InMacro 节点是否位于宏调用参数中
func InMacro(node *sitter.Node) bool {
	for cur := node.Parent(); cur != nil; cur = cur.Parent() {
		switch cur.Type() {
		case "macro_invocation", "token_tree":
			return true
		case "function_item", "block":
			return false
		}
	}
	return false
}

// EnclosingStatement 返回包含节点的最内层语句
func EnclosingStatement(node *sitter.Node) *sitter.Node {
	for cur := node; cur != nil; cur = cur.Parent() {
		parent := cur.Parent()
		if parent == nil {
			return nil
		}
		switch cur.Type() {
		case "expression_statement", "let_declaration":
			return cur
		}
		// 块的尾表达式也视为语句
		if parent.Type() == "block" && cur.IsNamed() && isExpression(cur) {
			return cur
		}
	}
	return nil
}

func isExpression(node *sitter.Node) bool {
	t := node.Type()
	return strings.HasSuffix(t, "_expression") || t == "identifier"
}

// NamedChildren 返回所有命名子节点
func NamedChildren(node *sitter.Node) []*sitter.Node {
	if node == nil {
		return nil
	}
	count := int(node.NamedChildCount())
	children := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		children = append(children, node.NamedChild(i))
	}
	return children
}

// Walk 先序遍历节点，fn 返回 false 时不进入子树
func Walk(node *sitter.Node, fn func(*sitter.Node) bool) {
	if node == nil || !fn(node) {
		return
	}
	count := int(node.NamedChildCount())
	for i := 0; i < count; i++ {
		Walk(node.NamedChild(i), fn)
	}
}

// OperatorText 返回二元/复合赋值/一元表达式的运算符
func (u *ParsedUnit) OperatorText(node *sitter.Node) string {
	if op := node.ChildByFieldName("operator"); op != nil {
		return u.GetSourceText(op)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if !child.IsNamed() {
			return u.GetSourceText(child)
		}
	}
	return ""
}
