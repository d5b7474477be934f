package core

// DominanceTree 支配树
// 用于确定哪些分支条件在访问点必然成立
type DominanceTree struct {
	ImmediateDominator map[int]int   // 块ID -> 直接支配者ID（入口映射到自身）
	DominatorTree      map[int][]int // 块ID -> 被直接支配的块列表
	order              map[int]int   // 块ID -> 逆后序编号
	body               *FlowBody
}

// NewDominanceTree 创建支配树
func NewDominanceTree(body *FlowBody) *DominanceTree {
	return &DominanceTree{
		ImmediateDominator: make(map[int]int),
		DominatorTree:      make(map[int][]int),
		order:              make(map[int]int),
		body:               body,
	}
}

// Compute 计算支配关系
func (dt *DominanceTree) Compute() {
	if dt.body == nil || len(dt.body.Blocks) == 0 {
		return
	}
	rpo := dt.body.ReversePostOrder()
	for i, id := range rpo {
		dt.order[id] = i
	}

	dt.computeImmediateDominators(rpo)
	dt.buildDominatorTree()
}

// computeImmediateDominators 计算直接支配者
// Cooper-Harvey-Kennedy 迭代算法，按逆后序处理
func (dt *DominanceTree) computeImmediateDominators(rpo []int) {
	entry := dt.body.Entry
	dt.ImmediateDominator[entry] = entry

	changed := true
	for changed {
		changed = false
		for _, id := range rpo {
			if id == entry {
				continue
			}
			newIDom := -1
			for _, pred := range dt.body.Blocks[id].Preds {
				if _, ok := dt.ImmediateDominator[pred]; !ok {
					// 前驱尚未处理或不可达
					continue
				}
				if newIDom == -1 {
					newIDom = pred
				} else {
					newIDom = dt.intersect(pred, newIDom)
				}
			}
			if newIDom != -1 {
				if old, ok := dt.ImmediateDominator[id]; !ok || old != newIDom {
					dt.ImmediateDominator[id] = newIDom
					changed = true
				}
			}
		}
	}
}

// intersect 沿支配树上行求两个块的最近公共支配者
func (dt *DominanceTree) intersect(a, b int) int {
	for a != b {
		for dt.order[a] > dt.order[b] {
			a = dt.ImmediateDominator[a]
		}
		for dt.order[b] > dt.order[a] {
			b = dt.ImmediateDominator[b]
		}
	}
	return a
}

// buildDominatorTree 构建支配树
func (dt *DominanceTree) buildDominatorTree() {
	for id, idom := range dt.ImmediateDominator {
		if id == idom {
			continue
		}
		dt.DominatorTree[idom] = append(dt.DominatorTree[idom], id)
	}
}

// Reachable 块是否从入口可达
func (dt *DominanceTree) Reachable(id int) bool {
	_, ok := dt.ImmediateDominator[id]
	return ok
}

// ImmediateDominatorOf 获取块的直接支配者
func (dt *DominanceTree) ImmediateDominatorOf(id int) (int, bool) {
	idom, ok := dt.ImmediateDominator[id]
	if ok && idom != id {
		return idom, true
	}
	return 0, false
}

// Dominates 检查 a 是否支配 b
func (dt *DominanceTree) Dominates(a, b int) bool {
	if !dt.Reachable(a) || !dt.Reachable(b) {
		return false
	}
	for cur := b; ; {
		if cur == a {
			return true
		}
		idom := dt.ImmediateDominator[cur]
		if idom == cur {
			return false
		}
		cur = idom
	}
}

// Dominators 支配 id 的所有块，从入口到 id 自身
func (dt *DominanceTree) Dominators(id int) []int {
	if !dt.Reachable(id) {
		return nil
	}
	var chain []int
	for cur := id; ; {
		chain = append(chain, cur)
		idom := dt.ImmediateDominator[cur]
		if idom == cur {
			break
		}
		cur = idom
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
