// Package position 在编辑器的树路径坐标和锚定在 CRDT 文本内的版本无关
// 位置之间转换。锚定位置能在并发远端编辑后存活，路径/偏移坐标不能。
package position

import (
	"errors"
	"fmt"

	"github.com/fmpwizard/go-quilljs-delta/delta"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/crdt"
)

var ErrBadPath = errors.New("point path does not resolve in the tree")

// Point 编辑器坐标：从根出发的子节点下标路径加上目标节点内的字符偏移
type Point struct {
	Path   []int `json:"path"`
	Offset int   `json:"offset"`
}

// Range 两点之间的选区，anchor 与 focus 的文档顺序不限
type Range struct {
	Anchor Point `json:"anchor"`
	Focus  Point `json:"focus"`
}

// Node 编辑器树的一个元素。内部节点持有子节点；含文本的节点以 quill
// delta 保存富文本内容，物化后另持有背后 CRDT 文本的标识
type Node struct {
	Type     string
	Children []*Node

	// Content 节点在内存中的富文本，供尚未物化 CRDT 文本的节点使用
	// （容器按需惰性创建）
	Content *delta.Delta

	// TextID 背后 CRDT 文本的标识，物化前为空
	TextID string
}

// Anchored 相对位置与其锚定文本所属节点的配对，回解为树坐标时需要该节点
type Anchored struct {
	Pos   *crdt.RelativePosition
	Entry *Node
}

// Bridge 针对单个文档解析坐标
type Bridge struct {
	doc    *crdt.Doc
	logger *zap.Logger
}

// NewBridge 基于给定文档创建桥接器
func NewBridge(doc *crdt.Doc, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{doc: doc, logger: logger}
}

// ToRelative 把编辑器坐标锚定到 CRDT。先找到最小的含文本包围节点
// （必要时从内存 delta 物化其 CRDT 文本），把坐标拍平为该节点内的字符
// 偏移，再编码为相对位置。
func (b *Bridge) ToRelative(root *Node, p Point) (*Anchored, error) {
	chain, err := resolvePath(root, p.Path)
	if err != nil {
		return nil, err
	}

	// 已拥有 CRDT 文本的最小包围节点。不存在时惰性物化容器：
	// 叶子取其父节点，目标本身是容器时取目标自己。
	ownerIdx := -1
	for i, n := range chain {
		if n.TextID != "" {
			ownerIdx = i
			break
		}
	}
	if ownerIdx < 0 {
		last := chain[len(chain)-1]
		if len(last.Children) == 0 && len(chain) >= 2 && isRunContainer(chain[len(chain)-2]) {
			ownerIdx = len(chain) - 2
		} else {
			ownerIdx = len(chain) - 1
		}
	}
	owner := chain[ownerIdx]

	text, err := b.materialize(owner)
	if err != nil {
		return nil, err
	}

	// 拍平：目标节点内的偏移，加上坐标到持有者之间每一层所有前置
	// 兄弟节点的文本长度。
	flat := p.Offset
	for level := ownerIdx; level < len(chain)-1; level++ {
		parent := chain[level]
		childIdx := p.Path[level]
		for i := 0; i < childIdx && i < len(parent.Children); i++ {
			flat += b.nodeTextLength(parent.Children[i])
		}
	}

	if l := text.Length(); flat > l {
		flat = l
	}
	return &Anchored{
		Pos:   text.RelativePosition(flat, crdt.AssocAfter),
		Entry: owner,
	}, nil
}

// ToEditorPoint 把锚定位置回解为树坐标。背后文本消失、入口节点不在树中
// 或文档已销毁时返回 nil。锚点字符被删除时退化到最近的存活偏移。
func (b *Bridge) ToEditorPoint(root *Node, a *Anchored) *Point {
	if a == nil || a.Pos == nil || a.Entry == nil || b.doc.Destroyed() {
		return nil
	}

	text, ok := b.doc.TextIfExists(a.Pos.TextID)
	if !ok {
		return nil
	}
	abs, ok := text.AbsolutePosition(a.Pos)
	if !ok {
		return nil
	}

	entryPath, found := pathOf(root, a.Entry)
	if !found {
		return nil
	}
	return b.descend(a.Entry, entryPath, abs)
}

// ToRelativeRange 独立锚定选区的两个端点
func (b *Bridge) ToRelativeRange(root *Node, r Range) (anchor, focus *Anchored, err error) {
	anchor, err = b.ToRelative(root, r.Anchor)
	if err != nil {
		return nil, nil, err
	}
	focus, err = b.ToRelative(root, r.Focus)
	if err != nil {
		return nil, nil, err
	}
	return anchor, focus, nil
}

// ToEditorRange 把选区回解为树坐标。解析全有或全无：任一端点悬空的
// 选区不可用。
func (b *Bridge) ToEditorRange(root *Node, anchor, focus *Anchored) *Range {
	ap := b.ToEditorPoint(root, anchor)
	if ap == nil {
		return nil
	}
	fp := b.ToEditorPoint(root, focus)
	if fp == nil {
		return nil
	}
	return &Range{Anchor: *ap, Focus: *fp}
}

// materialize 返回节点背后的 CRDT 文本，首次使用时从节点的 delta 内容创建
func (b *Bridge) materialize(n *Node) (*crdt.Text, error) {
	if n.TextID != "" {
		if text, ok := b.doc.TextIfExists(n.TextID); ok {
			return text, nil
		}
		return nil, fmt.Errorf("node references unknown text %q", n.TextID)
	}

	id := "text-" + uuid.NewString()
	text := b.doc.GetText(id)
	offset := 0
	var insertErr error
	walkContent(n, func(op delta.Op) {
		if insertErr != nil || len(op.Insert) == 0 {
			return
		}
		s := string(op.Insert)
		if err := text.InsertWithAttributes(offset, s, op.Attributes); err != nil {
			insertErr = err
			return
		}
		offset += len(op.Insert)
	})
	if insertErr != nil {
		return nil, insertErr
	}
	n.TextID = id

	b.logger.Debug("materialized text for editor node",
		zap.String("node_type", n.Type),
		zap.String("text_id", id))
	return text, nil
}

// nodeTextLength 节点子树拍平后的字符长度
func (b *Bridge) nodeTextLength(n *Node) int {
	if n.TextID != "" {
		if text, ok := b.doc.TextIfExists(n.TextID); ok {
			return text.Length()
		}
	}
	if len(n.Children) == 0 {
		return deltaLength(n.Content)
	}
	total := 0
	for _, c := range n.Children {
		total += b.nodeTextLength(c)
	}
	return total
}

// descend 沿子节点下行，逐层消耗剩余偏移直到落在叶子上
func (b *Bridge) descend(n *Node, path []int, remaining int) *Point {
	if len(n.Children) == 0 {
		if l := b.nodeTextLength(n); remaining > l {
			remaining = l
		}
		return &Point{Path: path, Offset: remaining}
	}

	for i, child := range n.Children {
		l := b.nodeTextLength(child)
		last := i == len(n.Children)-1
		if remaining < l || (last && remaining <= l) {
			return b.descend(child, append(append([]int(nil), path...), i), remaining)
		}
		remaining -= l
	}
	return nil
}

// isRunContainer 判断节点是否直接聚合文本片段，即所有子节点都是叶子。
// 这类容器拥有覆盖全部片段的同一份文本，片段内的锚点都拍平到容器上。
func isRunContainer(n *Node) bool {
	if len(n.Children) == 0 {
		return false
	}
	for _, c := range n.Children {
		if len(c.Children) != 0 {
			return false
		}
	}
	return true
}

// walkContent 按文档顺序访问子树的 delta 操作
func walkContent(n *Node, fn func(op delta.Op)) {
	if n.Content != nil {
		for _, op := range n.Content.Ops {
			fn(op)
		}
	}
	for _, c := range n.Children {
		walkContent(c, fn)
	}
}

func deltaLength(d *delta.Delta) int {
	if d == nil {
		return 0
	}
	n := 0
	for _, op := range d.Ops {
		n += len(op.Insert)
	}
	return n
}

// resolvePath 返回从根到目标节点的节点链，含根节点
func resolvePath(root *Node, path []int) ([]*Node, error) {
	chain := []*Node{root}
	cur := root
	for _, idx := range path {
		if idx < 0 || idx >= len(cur.Children) {
			return nil, ErrBadPath
		}
		cur = cur.Children[idx]
		chain = append(chain, cur)
	}
	return chain, nil
}

// pathOf 按身份在树中定位节点
func pathOf(root, target *Node) ([]int, bool) {
	if root == target {
		return []int{}, true
	}
	for i, child := range root.Children {
		if sub, ok := pathOf(child, target); ok {
			return append([]int{i}, sub...), true
		}
	}
	return nil, false
}
