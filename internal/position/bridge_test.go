package position

import (
	"testing"

	"github.com/fmpwizard/go-quilljs-delta/delta"
	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/crdt"
)

func textLeaf(s string, attrs map[string]interface{}) *Node {
	return &Node{Type: "text", Content: delta.New(nil).Insert(s, attrs)}
}

func formattedParagraph() (*Node, *Node) {
	para := &Node{Type: "paragraph", Children: []*Node{
		textLeaf("hello ", nil),
		textLeaf("bold", map[string]interface{}{"bold": true}),
		textLeaf(" world", nil),
	}}
	root := &Node{Type: "root", Children: []*Node{para}}
	return root, para
}

func TestRoundTripLaw(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	root, _ := formattedParagraph()

	points := []Point{
		{Path: []int{0, 0}, Offset: 0},
		{Path: []int{0, 0}, Offset: 3},
		{Path: []int{0, 1}, Offset: 2},
		{Path: []int{0, 2}, Offset: 6},
	}
	for _, p := range points {
		a, err := b.ToRelative(root, p)
		if err != nil {
			t.Fatalf("ToRelative(%v) failed: %v", p, err)
		}
		got := b.ToEditorPoint(root, a)
		if got == nil {
			t.Fatalf("ToEditorPoint(%v) returned nil", p)
		}
		if !samePoint(*got, p) {
			t.Errorf("round trip of %v gave %v", p, *got)
		}
	}
}

func TestMaterializationCoversSiblingRuns(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	root, para := formattedParagraph()

	// 锚定在第三个片段内：偏移要跨越前两个片段拍平
	a, err := b.ToRelative(root, Point{Path: []int{0, 2}, Offset: 1})
	if err != nil {
		t.Fatalf("ToRelative failed: %v", err)
	}
	if para.TextID == "" {
		t.Fatal("run container should be materialized lazily")
	}
	text, ok := doc.TextIfExists(para.TextID)
	if !ok {
		t.Fatal("materialized text missing from document")
	}
	if got := text.String(); got != "hello bold world" {
		t.Errorf("expected flattened text %q, got %q", "hello bold world", got)
	}

	// 第二次转换复用已装配的文本
	a2, err := b.ToRelative(root, Point{Path: []int{0, 0}, Offset: 1})
	if err != nil {
		t.Fatalf("second ToRelative failed: %v", err)
	}
	if a2.Pos.TextID != a.Pos.TextID {
		t.Error("conversions must share the materialized text")
	}

	runs := text.Runs()
	if len(runs) != 3 {
		t.Fatalf("expected 3 formatted runs, got %d", len(runs))
	}
	if runs[1].Attrs["bold"] != true {
		t.Error("middle run should keep its bold attribute")
	}
}

func TestAnchorSurvivesConcurrentInsert(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	leaf := textLeaf("hello world", nil)
	para := &Node{Type: "paragraph", Children: []*Node{leaf}}
	root := &Node{Type: "root", Children: []*Node{para}}

	a, err := b.ToRelative(root, Point{Path: []int{0, 0}, Offset: 6}) // "world" 之前
	if err != nil {
		t.Fatalf("ToRelative failed: %v", err)
	}

	text, _ := doc.TextIfExists(para.TextID)
	if err := text.Insert(0, "big "); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	// 编辑器根据变化后的文本重渲染叶子
	leaf.Content = delta.New(nil).Insert("big hello world", nil)

	got := b.ToEditorPoint(root, a)
	if got == nil {
		t.Fatal("anchor should still resolve after a concurrent insert")
	}
	if got.Offset != 10 {
		t.Errorf("expected anchor to shift to offset 10, got %d", got.Offset)
	}
}

func TestDeletedAnchorDegradesToNearestOffset(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	leaf := textLeaf("hello world", nil)
	para := &Node{Type: "paragraph", Children: []*Node{leaf}}
	root := &Node{Type: "root", Children: []*Node{para}}

	a, err := b.ToRelative(root, Point{Path: []int{0, 0}, Offset: 2})
	if err != nil {
		t.Fatalf("ToRelative failed: %v", err)
	}

	text, _ := doc.TextIfExists(para.TextID)
	if err := text.Delete(0, 6); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	leaf.Content = delta.New(nil).Insert("world", nil)

	got := b.ToEditorPoint(root, a)
	if got == nil {
		t.Fatal("deleted anchor must degrade, not fail")
	}
	if got.Offset != 0 {
		t.Errorf("expected nearest surviving offset 0, got %d", got.Offset)
	}
}

func TestDetachedEntryResolvesToNil(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	root, para := formattedParagraph()

	a, err := b.ToRelative(root, Point{Path: []int{0, 1}, Offset: 1})
	if err != nil {
		t.Fatalf("ToRelative failed: %v", err)
	}

	// 入口节点的子树被移出活动树
	root.Children = nil
	if got := b.ToEditorPoint(root, a); got != nil {
		t.Errorf("detached entry should resolve to nil, got %v", *got)
	}
	_ = para
}

func TestBadPathRejected(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	root, _ := formattedParagraph()

	if _, err := b.ToRelative(root, Point{Path: []int{0, 9}, Offset: 0}); err != ErrBadPath {
		t.Errorf("expected ErrBadPath, got %v", err)
	}
}

func TestRangeResolutionIsAllOrNothing(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	root, _ := formattedParagraph()

	anchor, focus, err := b.ToRelativeRange(root, Range{
		Anchor: Point{Path: []int{0, 0}, Offset: 1},
		Focus:  Point{Path: []int{0, 2}, Offset: 3},
	})
	if err != nil {
		t.Fatalf("ToRelativeRange failed: %v", err)
	}

	if r := b.ToEditorRange(root, anchor, focus); r == nil {
		t.Fatal("healthy range should resolve")
	}

	// 任一端点悬空则整个选区失败
	broken := &Anchored{
		Pos:   &crdt.RelativePosition{TextID: "no-such-text"},
		Entry: focus.Entry,
	}
	if r := b.ToEditorRange(root, anchor, broken); r != nil {
		t.Error("range with a dangling endpoint must not resolve")
	}
}

func TestDestroyedDocResolvesToNil(t *testing.T) {
	doc := crdt.NewDoc()
	b := NewBridge(doc, zap.NewNop())
	root, _ := formattedParagraph()

	a, err := b.ToRelative(root, Point{Path: []int{0, 0}, Offset: 1})
	if err != nil {
		t.Fatalf("ToRelative failed: %v", err)
	}
	doc.Destroy()
	if got := b.ToEditorPoint(root, a); got != nil {
		t.Error("destroyed document should resolve to nil")
	}
}

func samePoint(a, b Point) bool {
	if a.Offset != b.Offset || len(a.Path) != len(b.Path) {
		return false
	}
	for i := range a.Path {
		if a.Path[i] != b.Path[i] {
			return false
		}
	}
	return true
}
