package crdt

import "encoding/json"

// Assoc 描述恰好在锚定下标处发生插入时，相对位置贴向哪一侧的邻居
type Assoc int

const (
	// AssocAfter 锚定下标处的字符（光标在它之前）
	AssocAfter Assoc = 0
	// AssocBefore 锚定下标左侧的字符（光标在它之后）
	AssocBefore Assoc = -1
)

// RelativePosition 是 Text 内一个与版本无关的位置：它引用字符的身份而不是
// 数字下标，远端编辑移动下标时它仍指向同一个逻辑位置。锚定字符被删除时，
// 解析退化到最近的存活邻居而不是报错
type RelativePosition struct {
	TextID string  `json:"text_id"`
	Anchor *ItemID `json:"anchor,omitempty"` // nil 表示锚定到文本末尾
	Assoc  Assoc   `json:"assoc,omitempty"`
}

// Encode 序列化位置用于持久化或传输
func (p *RelativePosition) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeRelativePosition 反序列化 Encode 产出的位置
func DecodeRelativePosition(data []byte) (*RelativePosition, error) {
	var p RelativePosition
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RelativePosition 把可见下标捕获为相对位置
func (t *Text) RelativePosition(index int, assoc Assoc) *RelativePosition {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	pos := &RelativePosition{TextID: t.id, Assoc: assoc}
	target := index
	if assoc == AssocBefore {
		// 锚定下标左侧的字符
		target = index - 1
	}
	if target < 0 {
		return pos // 头部且贴左：按文本起点解析
	}

	seen := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if target < seen+len(it.content) {
			anchor := ItemID{Client: it.id.Client, Clock: it.id.Clock + uint64(target-seen)}
			pos.Anchor = &anchor
			return pos
		}
		seen += len(it.content)
	}
	// 越过最后一个字符：nil 锚表示文本末尾
	return pos
}

// AbsolutePosition 把位置解析回可见下标。仅当位置属于其他文本、或锚定字符
// 从未出现在本副本时返回 false；锚被并发删除时退化到最近的存活下标
func (t *Text) AbsolutePosition(pos *RelativePosition) (int, bool) {
	if pos == nil || pos.TextID != t.id {
		return 0, false
	}
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	if pos.Anchor == nil {
		if pos.Assoc == AssocBefore {
			return 0, true
		}
		return t.lengthLocked(), true
	}

	seen := 0
	for _, it := range t.items {
		if it.containsClock(*pos.Anchor) {
			if it.deleted {
				// 锚已成墓碑：塌缩到该段留下的位置
				return seen, true
			}
			index := seen + int(pos.Anchor.Clock-it.id.Clock)
			if pos.Assoc == AssocBefore {
				index++
			}
			return index, true
		}
		if !it.deleted {
			seen += len(it.content)
		}
	}
	return 0, false
}
