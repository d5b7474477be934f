package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/LliminM/rupair/internal/symbolic"
)

// =============================================================================
// 外部 IR 文档
// =============================================================================
//
// 由编译器前端导出的流图，YAML 或 JSON：
//
//	functions:
//	  - name: main
//	    vars: {i: isize}
//	    blocks:
//	      - id: 0
//	        stmts:
//	          - {op: alloc, target: buffer, value: "16", line: 2}
//	          - {op: ptr, target: ptr, base: buffer, buffer: true, value: "0"}
//	          - {op: access, kind: raw_pointer_offset, base: ptr, value: "15", line: 5, column: 9}
//	        term: {op: branch, cond: "15 < buffer.len()", then: 1, else: 2}

type irDocument struct {
	Functions []irFunction `yaml:"functions"`
}

type irFunction struct {
	Name   string            `yaml:"name"`
	Entry  *int              `yaml:"entry"`
	Vars   map[string]string `yaml:"vars"`
	Consts map[string]int64  `yaml:"consts"`
	Blocks []irBlock         `yaml:"blocks"`
}

type irBlock struct {
	ID    int      `yaml:"id"`
	Stmts []irStmt `yaml:"stmts"`
	Term  irTerm   `yaml:"term"`
}

type irStmt struct {
	Op      string `yaml:"op"`
	Target  string `yaml:"target"`
	Base    string `yaml:"base"`
	Value   string `yaml:"value"`
	Type    string `yaml:"type"`
	Kind    string `yaml:"kind"`
	Mutable bool   `yaml:"mutable"`
	Array   bool   `yaml:"array"`
	Buffer  bool   `yaml:"buffer"`
	Unsafe  *bool  `yaml:"unsafe"`
	Line    int    `yaml:"line"`
	Column  int    `yaml:"column"`
	Text    string `yaml:"text"`
}

type irTerm struct {
	Op      string `yaml:"op"`
	Cond    string `yaml:"cond"`
	Target  int    `yaml:"target"`
	Then    int    `yaml:"then"`
	Else    int    `yaml:"else"`
	Targets []int  `yaml:"targets"`
}

// irSuffixes 外部 IR 文档的文件后缀，按优先级排列
var irSuffixes = []string{".ir.yaml", ".ir.yml", ".ir.json"}

// FindFlowDocument 在 IR 目录中查找源文件对应的 IR 文档
func FindFlowDocument(irDir, sourcePath string) (string, bool) {
	if irDir == "" {
		return "", false
	}
	base := filepath.Base(sourcePath)
	for _, suffix := range irSuffixes {
		candidate := filepath.Join(irDir, base+suffix)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// LoadFlowFile 读取并解析 IR 文档
func LoadFlowFile(docPath, sourcePath string) ([]*FlowBody, error) {
	data, err := os.ReadFile(docPath)
	if err != nil {
		return nil, NewError(CodeRepresentation, "load_ir", docPath, err)
	}
	return LoadFlowDocument(data, sourcePath)
}

// LoadFlowDocument 解析 IR 文档；JSON 作为 YAML 的子集处理
func LoadFlowDocument(data []byte, sourcePath string) ([]*FlowBody, error) {
	var doc irDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewError(CodeRepresentation, "load_ir", sourcePath, fmt.Errorf("invalid IR document: %w", err))
	}
	if len(doc.Functions) == 0 {
		return nil, NewError(CodeRepresentation, "load_ir", sourcePath, fmt.Errorf("IR document has no functions"))
	}

	bodies := make([]*FlowBody, 0, len(doc.Functions))
	for _, fn := range doc.Functions {
		body, err := fn.build(sourcePath)
		if err != nil {
			return nil, NewError(CodeRepresentation, "load_ir", sourcePath, fmt.Errorf("function %s: %w", fn.Name, err))
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}

func (fn irFunction) build(file string) (*FlowBody, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("no blocks")
	}
	body := &FlowBody{
		Name:     fn.Name,
		File:     file,
		VarTypes: make(map[string]symbolic.Domain),
		Consts:   make(map[string]int64),
		External: true,
	}
	for name, typ := range fn.Vars {
		d, ok := symbolic.DomainOf(typ)
		if !ok {
			return nil, fmt.Errorf("variable %s: unsupported type %q", name, typ)
		}
		body.VarTypes[name] = d
	}
	for name, v := range fn.Consts {
		body.Consts[name] = v
	}

	// 文档中的块编号不要求连续
	index := make(map[int]int, len(fn.Blocks))
	for _, blk := range fn.Blocks {
		if _, dup := index[blk.ID]; dup {
			return nil, fmt.Errorf("duplicate block %d", blk.ID)
		}
		index[blk.ID] = body.NewBlock()
	}
	resolve := func(id int) (int, error) {
		i, ok := index[id]
		if !ok {
			return 0, fmt.Errorf("jump to unknown block %d", id)
		}
		return i, nil
	}

	body.Entry = index[fn.Blocks[0].ID]
	if fn.Entry != nil {
		entry, err := resolve(*fn.Entry)
		if err != nil {
			return nil, err
		}
		body.Entry = entry
	}

	for _, blk := range fn.Blocks {
		target := body.Blocks[index[blk.ID]]
		for i, st := range blk.Stmts {
			stmt, err := st.build(file)
			if err != nil {
				return nil, fmt.Errorf("block %d statement %d: %w", blk.ID, i, err)
			}
			target.Stmts = append(target.Stmts, stmt)
		}
		term, err := blk.Term.build(resolve)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", blk.ID, err)
		}
		target.Term = term
	}
	if err := body.Link(); err != nil {
		return nil, err
	}
	return body, nil
}

func parseOptionalExpr(text string) (symbolic.Expr, error) {
	text = strings.TrimSpace(text)
	if text == "" || text == "?" {
		return nil, nil
	}
	return symbolic.ParseExpr(text)
}

func (st irStmt) build(file string) (FlowStmt, error) {
	stmt := FlowStmt{
		Kind:         StmtKind(st.Op),
		Loc:          Location{File: file, Line: st.Line, Column: st.Column},
		Target:       st.Target,
		Base:         st.Base,
		Mutable:      st.Mutable,
		Array:        st.Array,
		RootIsBuffer: st.Buffer,
		Text:         st.Text,
		Unsafe:       st.Unsafe == nil || *st.Unsafe,
	}
	value, err := parseOptionalExpr(st.Value)
	if err != nil {
		return FlowStmt{}, err
	}
	stmt.Value = value
	if st.Type != "" {
		d, ok := symbolic.DomainOf(st.Type)
		if !ok {
			return FlowStmt{}, fmt.Errorf("unsupported type %q", st.Type)
		}
		stmt.Domain = &d
	}

	switch stmt.Kind {
	case StmtAlloc, StmtSetLen:
		if stmt.Target == "" {
			return FlowStmt{}, fmt.Errorf("%s without target", st.Op)
		}
	case StmtAssign, StmtPtr:
		if stmt.Target == "" || stmt.Value == nil {
			return FlowStmt{}, fmt.Errorf("%s needs target and value", st.Op)
		}
	case StmtAccess:
		kind, err := ParseOperationKind(st.Kind)
		if err != nil {
			return FlowStmt{}, err
		}
		if stmt.Base == "" || stmt.Value == nil {
			return FlowStmt{}, fmt.Errorf("access needs base and value")
		}
		if stmt.Loc.Line <= 0 {
			return FlowStmt{}, fmt.Errorf("access without line")
		}
		if stmt.Loc.Column <= 0 {
			stmt.Loc.Column = 1
		}
		stmt.Access = kind
		// 非指针访问不存在裸解引用；指针访问的偏移为 0 时按 *p 处理
		if kind.IsRawPointer() {
			if lit, ok := symbolic.AsLiteral(stmt.Value); ok && lit == 0 {
				stmt.Bare = true
			}
		}
	default:
		return FlowStmt{}, fmt.Errorf("unknown statement op %q", st.Op)
	}
	return stmt, nil
}

func (t irTerm) build(resolve func(int) (int, error)) (Terminator, error) {
	switch TermKind(t.Op) {
	case "", TermReturn:
		return Terminator{Kind: TermReturn}, nil
	case TermGoto:
		target, err := resolve(t.Target)
		if err != nil {
			return Terminator{}, err
		}
		return Terminator{Kind: TermGoto, Then: target}, nil
	case TermBranch:
		then, err := resolve(t.Then)
		if err != nil {
			return Terminator{}, err
		}
		els, err := resolve(t.Else)
		if err != nil {
			return Terminator{}, err
		}
		term := Terminator{Kind: TermBranch, Then: then, Else: els, CondText: t.Cond}
		if strings.TrimSpace(t.Cond) != "" {
			cond, err := symbolic.ParsePred(t.Cond)
			if err != nil {
				return Terminator{}, fmt.Errorf("branch condition: %w", err)
			}
			term.Cond, term.Exact = cond, true
		}
		return term, nil
	case TermSwitch:
		term := Terminator{Kind: TermSwitch}
		for _, id := range t.Targets {
			target, err := resolve(id)
			if err != nil {
				return Terminator{}, err
			}
			term.Targets = append(term.Targets, target)
		}
		return term, nil
	}
	return Terminator{}, fmt.Errorf("unknown terminator %q", t.Op)
}
