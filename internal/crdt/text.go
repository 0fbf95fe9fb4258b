package crdt

// item 一次插入产生的连续字符段，覆盖时钟区间 [id.Clock, id.Clock+len(content))
// 部分删除和段中插入会把段切开，后半段保留字符级标识
type item struct {
	id      ItemID
	origin  *ItemID // 插入时刻左邻字符的标识
	content []rune
	attrs   map[string]interface{}
	deleted bool
}

func (it *item) lastID() ItemID {
	return ItemID{Client: it.id.Client, Clock: it.id.Clock + uint64(len(it.content)) - 1}
}

func (it *item) containsClock(c ItemID) bool {
	return it.id.Client == c.Client &&
		it.id.Clock <= c.Clock &&
		c.Clock < it.id.Clock+uint64(len(it.content))
}

// Run 共享同一属性集的一段可见文本
type Run struct {
	Text  string
	Attrs map[string]interface{}
}

// Text 带格式属性的复制字符序列
type Text struct {
	doc   *Doc
	id    string
	items []*item
}

// ID 文本在所属文档内的标识
func (t *Text) ID() string {
	return t.id
}

// Length 可见字符数
func (t *Text) Length() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.lengthLocked()
}

func (t *Text) lengthLocked() int {
	n := 0
	for _, it := range t.items {
		if !it.deleted {
			n += len(it.content)
		}
	}
	return n
}

// String 可见内容
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	var out []rune
	for _, it := range t.items {
		if !it.deleted {
			out = append(out, it.content...)
		}
	}
	return string(out)
}

// Runs 以格式段形式返回可见内容，属性相同的相邻段被合并
func (t *Text) Runs() []Run {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	var runs []Run
	for _, it := range t.items {
		if it.deleted || len(it.content) == 0 {
			continue
		}
		if n := len(runs); n > 0 && attrsEqual(runs[n-1].Attrs, it.attrs) {
			runs[n-1].Text += string(it.content)
			continue
		}
		runs = append(runs, Run{Text: string(it.content), Attrs: copyAttrs(it.attrs)})
	}
	return runs
}

// Insert 在可见下标处插入纯文本
func (t *Text) Insert(index int, s string) error {
	return t.InsertWithAttributes(index, s, nil)
}

// InsertWithAttributes 在可见下标处插入带格式的文本
func (t *Text) InsertWithAttributes(index int, s string, attrs map[string]interface{}) error {
	if s == "" {
		return nil
	}
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	if t.doc.destroyed {
		return ErrDocDestroyed
	}
	if index < 0 || index > t.lengthLocked() {
		return ErrRangeOutside
	}

	content := []rune(s)
	id := ItemID{Client: t.doc.client, Clock: t.doc.clock}
	t.doc.clock += uint64(len(content))

	origin := t.originForIndexLocked(index)
	o := op{Type: "ins", Text: t.id, ID: id, Origin: origin, Content: s}
	if len(attrs) > 0 {
		o.Attrs = copyAttrs(attrs)
	}
	t.integrate(o)
	t.doc.markAppliedLocked(id.Client, id.Clock, id.Clock+uint64(len(content)))
	t.doc.recordLocked(o)
	return nil
}

// Delete 从可见下标 index 起删除 length 个字符
func (t *Text) Delete(index, length int) error {
	if length <= 0 {
		return nil
	}
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	if t.doc.destroyed {
		return ErrDocDestroyed
	}
	if index < 0 || index+length > t.lengthLocked() {
		return ErrRangeOutside
	}

	// 先在两端切段，让整段落在删除区间内
	t.splitAtVisibleLocked(index)
	t.splitAtVisibleLocked(index + length)

	seen := 0
	var ops []op
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if seen >= index+length {
			break
		}
		if seen >= index {
			it.deleted = true
			ops = append(ops, op{Type: "del", Text: t.id, Target: it.id, Len: len(it.content)})
		}
		seen += len(it.content)
	}
	for _, o := range ops {
		t.doc.recordLocked(o)
	}
	return nil
}

// originForIndexLocked 返回可见下标左侧字符的标识，头部插入时为 nil
func (t *Text) originForIndexLocked(index int) *ItemID {
	if index == 0 {
		return nil
	}
	seen := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if seen+len(it.content) >= index {
			id := ItemID{Client: it.id.Client, Clock: it.id.Clock + uint64(index-seen-1)}
			return &id
		}
		seen += len(it.content)
	}
	// 下标已由调用方校验，兜底取尾部
	if n := len(t.items); n > 0 {
		id := t.items[n-1].lastID()
		return &id
	}
	return nil
}

// splitAtVisibleLocked 保证可见下标处存在段边界
func (t *Text) splitAtVisibleLocked(index int) {
	seen := 0
	for i, it := range t.items {
		if it.deleted {
			continue
		}
		if seen < index && index < seen+len(it.content) {
			t.splitItemLocked(i, index-seen)
			return
		}
		seen += len(it.content)
		if seen >= index {
			return
		}
	}
}

// splitItemLocked 在字符偏移 off (0 < off < len) 处切开第 i 段
func (t *Text) splitItemLocked(i, off int) {
	it := t.items[i]
	leftLast := ItemID{Client: it.id.Client, Clock: it.id.Clock + uint64(off) - 1}
	right := &item{
		id:      ItemID{Client: it.id.Client, Clock: it.id.Clock + uint64(off)},
		origin:  &leftLast,
		content: append([]rune(nil), it.content[off:]...),
		attrs:   it.attrs,
		deleted: it.deleted,
	}
	it.content = it.content[:off]
	t.items = append(t.items[:i+1], append([]*item{right}, t.items[i+1:]...)...)
}

// integrate 把 op 的字符段整合进序列
// origin 字符未知时返回 false，由文档推迟该 op
func (t *Text) integrate(o op) bool {
	pos := 0
	if o.Origin != nil {
		found := false
		for i, it := range t.items {
			if !it.containsClock(*o.Origin) {
				continue
			}
			// 把 origin 切成所在段的最后一个字符
			if off := int(o.Origin.Clock-it.id.Clock) + 1; off < len(it.content) {
				t.splitItemLocked(i, off)
			}
			pos = i + 1
			found = true
			break
		}
		if !found {
			return false
		}
	}

	// RGA 插入规则：向右越过时间戳更大的段，遇到第一个更小的停下。
	// lamport 时钟保证任何观察过本段之后创建的段严格更大，
	// 所有副本对同一位置的并发插入收敛到同一顺序
	for pos < len(t.items) && tsLess(o.ID, t.items[pos].id) {
		pos++
	}

	newItem := &item{
		id:      o.ID,
		content: []rune(o.Content),
		attrs:   copyAttrs(o.Attrs),
	}
	if o.Origin != nil {
		origin := *o.Origin
		newItem.origin = &origin
	}
	t.items = append(t.items[:pos], append([]*item{newItem}, t.items[pos:]...)...)
	return true
}

// markDeleted 给时钟区间 [target, target+length) 打墓碑
// 区间完全未知时返回 false，由文档推迟该 op
func (t *Text) markDeleted(target ItemID, length int) bool {
	found := false
	for c := target.Clock; c < target.Clock+uint64(length); {
		matched := false
		for i := 0; i < len(t.items); i++ {
			it := t.items[i]
			if !it.containsClock(ItemID{Client: target.Client, Clock: c}) {
				continue
			}
			// 对齐到段边界，区间只覆盖一部分时切段
			if off := int(c - it.id.Clock); off > 0 {
				t.splitItemLocked(i, off)
				it = t.items[i+1]
				i++
			}
			end := target.Clock + uint64(length)
			if last := it.id.Clock + uint64(len(it.content)); end < last {
				t.splitItemLocked(i, int(end-it.id.Clock))
				it = t.items[i]
			}
			it.deleted = true
			c = it.id.Clock + uint64(len(it.content))
			matched = true
			found = true
			break
		}
		if !matched {
			break
		}
	}
	return found
}

// tsLess 按时钟优先为段时间戳排序，用于 RGA 的右移规则
func tsLess(a, b ItemID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

func attrsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func copyAttrs(attrs map[string]interface{}) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
