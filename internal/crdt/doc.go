/*
Package crdt 实现同步核心依赖的基于操作的复制文档类型。一个 Doc 携带若干
命名 Text 序列和一个小型 last-write-wins 元数据表，以序列化操作列表
（"更新"）交换状态；更新满足交换律和幂等性：同一更新应用两次，或两个并发
更新以任意顺序应用，收敛到同一状态。

Doc 内部自带同步，调和循环和 UI 代码可以共享同一个实例。
*/
package crdt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrDocDestroyed  = errors.New("document destroyed")
	ErrBadUpdate     = errors.New("malformed update payload")
	ErrUnknownText   = errors.New("unknown text id")
	ErrRangeOutside  = errors.New("range outside of text bounds")
	ErrPositionStale = errors.New("relative position does not resolve")
)

// ItemID 标识一个插入的字符：插入方的客户端标识加插入时该客户端的
// lamport 时钟值。一次插入 n 个字符的连续段占用时钟区间 k..k+n-1。
type ItemID struct {
	Client uint32 `json:"c"`
	Clock  uint64 `json:"k"`
}

func (a ItemID) equal(b ItemID) bool {
	return a.Client == b.Client && a.Clock == b.Clock
}

// op 复制的最小单元，更新是 JSON 编码的 op 列表
type op struct {
	Type    string                 `json:"t"`             // ins, del, meta
	Text    string                 `json:"x,omitempty"`   // 所属文本标识
	ID      ItemID                 `json:"id"`            // ins: 新字符标识; meta: lamport 时间戳
	Origin  *ItemID                `json:"o,omitempty"`   // ins: 插入时刻的左邻字符
	Content string                 `json:"s,omitempty"`   // ins: 插入内容
	Attrs   map[string]interface{} `json:"a,omitempty"`   // ins: 格式属性
	Target  ItemID                 `json:"tg,omitempty"`  // del: 被删区间的首个时钟
	Len     int                    `json:"n,omitempty"`   // del: 被删字符数
	Key     string                 `json:"key,omitempty"` // meta
	Value   string                 `json:"val,omitempty"` // meta
}

type update struct {
	Ops []op `json:"ops"`
}

type metaEntry struct {
	value string
	stamp ItemID
}

// span 一个客户端的半开时钟区间 [start, end)
type span struct {
	start, end uint64
}

// Doc 一个复制文档
type Doc struct {
	mu sync.Mutex

	client uint32
	clock  uint64

	texts map[string]*Text
	meta  map[string]metaEntry

	// applied 按客户端记录已应用的插入时钟区间
	// 连续段会被删除和段中插入切开，快照按切开后的子段编码，去重必须
	// 以字符区间而不是段首标识为准，否则切开的尾段会被重复整合
	applied map[uint32][]span
	// pending 暂存 origin 尚未到达的远端插入
	pending []op

	updateSubs  map[int]func(update []byte)
	appliedSubs map[int]func(update []byte)
	destroySubs map[int]func()
	nextSub     int

	txnDepth int
	txnOps   []op

	destroyed bool
}

// NewDoc 创建空文档，客户端标识随机生成
func NewDoc() *Doc {
	var client uint32
	for client == 0 {
		u := uuid.New()
		client = binary.BigEndian.Uint32(u[0:4])
	}
	return &Doc{
		client:      client,
		clock:       1,
		texts:       make(map[string]*Text),
		meta:        make(map[string]metaEntry),
		applied:     make(map[uint32][]span),
		updateSubs:  make(map[int]func([]byte)),
		appliedSubs: make(map[int]func([]byte)),
		destroySubs: make(map[int]func()),
	}
}

// ClientID 本副本的客户端标识
func (d *Doc) ClientID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// GetText 返回命名文本序列，不存在时惰性创建
func (d *Doc) GetText(id string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getTextLocked(id)
}

// TextIfExists 仅当命名文本已经物化时返回它
func (d *Doc) TextIfExists(id string) (*Text, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.texts[id]
	return t, ok
}

// TextIDs 列出已物化的文本序列
func (d *Doc) TextIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.texts))
	for id := range d.texts {
		ids = append(ids, id)
	}
	return ids
}

func (d *Doc) getTextLocked(id string) *Text {
	if t, ok := d.texts[id]; ok {
		return t
	}
	t := &Text{doc: d, id: id}
	d.texts[id] = t
	return t
}

// SetMeta 以 last-write-wins 语义写入元数据键
func (d *Doc) SetMeta(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	stamp := ItemID{Client: d.client, Clock: d.clock}
	d.clock++
	d.meta[key] = metaEntry{value: value, stamp: stamp}
	d.recordLocked(op{Type: "meta", ID: stamp, Key: key, Value: value})
}

// Meta 读取元数据键
func (d *Doc) Meta(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.meta[key]
	return e.value, ok
}

// Transact 把 fn 里的所有本地修改合并为一个更新
func (d *Doc) Transact(fn func()) {
	d.mu.Lock()
	d.txnDepth++
	d.mu.Unlock()

	fn()

	d.mu.Lock()
	d.txnDepth--
	var payload []byte
	var subs []func([]byte)
	if d.txnDepth == 0 && len(d.txnOps) > 0 {
		payload = encodeUpdate(d.txnOps)
		d.txnOps = nil
		subs = d.updateSubsLocked()
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(payload)
	}
}

// recordLocked 缓冲一个本地产生的 op，没有打开事务时立即发出
// 调用方持有 d.mu
func (d *Doc) recordLocked(o op) {
	d.txnOps = append(d.txnOps, o)
	if d.txnDepth > 0 {
		return
	}
	payload := encodeUpdate(d.txnOps)
	d.txnOps = nil
	subs := d.updateSubsLocked()

	// 回调期间释放锁，订阅方可以读取文档
	d.mu.Unlock()
	for _, fn := range subs {
		fn(payload)
	}
	d.mu.Lock()
}

func (d *Doc) updateSubsLocked() []func([]byte) {
	subs := make([]func([]byte), 0, len(d.updateSubs))
	for _, fn := range d.updateSubs {
		subs = append(subs, fn)
	}
	return subs
}

// OnUpdate 注册本地提交更新的回调
// 远端应用的更新不会触发它
func (d *Doc) OnUpdate(fn func(update []byte)) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.updateSubs[id] = fn
	return id
}

// OffUpdate 移除更新回调
func (d *Doc) OffUpdate(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.updateSubs, id)
}

// OnApplied 注册远端更新落地的回调，入参是 ApplyUpdate 的原始负载
// 持久层用它把远端状态和本地提交一样落盘
func (d *Doc) OnApplied(fn func(update []byte)) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.appliedSubs[id] = fn
	return id
}

// OffApplied 移除远端更新回调
func (d *Doc) OffApplied(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.appliedSubs, id)
}

// OnDestroy 注册文档销毁时同步触发的回调
func (d *Doc) OnDestroy(fn func()) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.destroySubs[id] = fn
	return id
}

// OffDestroy 移除销毁回调
func (d *Doc) OffDestroy(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.destroySubs, id)
}

// Destroyed 是否已调用 Destroy
func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Destroy 触发销毁回调并断开所有订阅
// 文档内容仍可读取，但后续修改和更新应用会失败
func (d *Doc) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	subs := make([]func(), 0, len(d.destroySubs))
	for _, fn := range d.destroySubs {
		subs = append(subs, fn)
	}
	d.destroySubs = make(map[int]func())
	d.updateSubs = make(map[int]func([]byte))
	d.appliedSubs = make(map[int]func([]byte))
	d.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// ApplyUpdate 应用一个远端更新
// 已经见过的字符区间被跳过，因此相互重叠的更新（对活动文档应用完整快照、
// 重放的消息）是安全的
func (d *Doc) ApplyUpdate(payload []byte) error {
	var u update
	if err := json.Unmarshal(payload, &u); err != nil {
		return fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDocDestroyed
	}

	queue := append(d.pending, u.Ops...)
	d.pending = nil
	for {
		var deferred []op
		progress := false
		for _, o := range queue {
			if d.applyOpLocked(o) {
				progress = true
			} else {
				deferred = append(deferred, o)
			}
		}
		if len(deferred) == 0 || !progress {
			d.pending = deferred
			break
		}
		queue = deferred
	}

	var subs []func([]byte)
	if len(u.Ops) > 0 {
		subs = make([]func([]byte), 0, len(d.appliedSubs))
		for _, fn := range d.appliedSubs {
			subs = append(subs, fn)
		}
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(payload)
	}
	return nil
}

// applyOpLocked 应用一个远端 op
// origin 尚未整合的插入返回 false，留到下一个更新时重试
func (d *Doc) applyOpLocked(o op) bool {
	switch o.Type {
	case "ins":
		runes := []rune(o.Content)
		if len(runes) == 0 {
			return true
		}
		lo, hi := o.ID.Clock, o.ID.Clock+uint64(len(runes))
		gaps := d.unappliedSpansLocked(o.ID.Client, lo, hi)
		if len(gaps) == 0 {
			return true
		}
		t := d.getTextLocked(o.Text)
		// 逐个整合未见过的子区间；区间边界上的字符必然已整合，
		// 只有首个子区间可能因 origin 缺失而推迟
		for _, g := range gaps {
			sub := op{
				Type:    "ins",
				Text:    o.Text,
				ID:      ItemID{Client: o.ID.Client, Clock: g.start},
				Content: string(runes[g.start-lo : g.end-lo]),
				Attrs:   o.Attrs,
			}
			if g.start == lo {
				sub.Origin = o.Origin
			} else {
				origin := ItemID{Client: o.ID.Client, Clock: g.start - 1}
				sub.Origin = &origin
			}
			if !t.integrate(sub) {
				return false
			}
			d.markAppliedLocked(o.ID.Client, g.start, g.end)
		}
		d.bumpClockLocked(o.ID, len(runes))
		return true
	case "del":
		t := d.getTextLocked(o.Text)
		return t.markDeleted(o.Target, o.Len)
	case "meta":
		cur, ok := d.meta[o.Key]
		if !ok || tsLess(cur.stamp, o.ID) {
			d.meta[o.Key] = metaEntry{value: o.Value, stamp: o.ID}
		}
		d.bumpClockLocked(o.ID, 1)
		return true
	default:
		// 未知 op 类型忽略，保持向前兼容
		return true
	}
}

// markAppliedLocked 记录客户端时钟区间 [start, end) 已应用，合并相邻区间
func (d *Doc) markAppliedLocked(client uint32, start, end uint64) {
	spans := append(d.applied[client], span{start: start, end: end})
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	d.applied[client] = merged
}

// unappliedSpansLocked 返回 [start, end) 中尚未应用的子区间
func (d *Doc) unappliedSpansLocked(client uint32, start, end uint64) []span {
	var gaps []span
	cur := start
	for _, sp := range d.applied[client] {
		if sp.end <= cur {
			continue
		}
		if sp.start >= end {
			break
		}
		if sp.start > cur {
			gaps = append(gaps, span{start: cur, end: sp.start})
		}
		if sp.end > cur {
			cur = sp.end
		}
		if cur >= end {
			return gaps
		}
	}
	if cur < end {
		gaps = append(gaps, span{start: cur, end: end})
	}
	return gaps
}

// bumpClockLocked 让本地 lamport 时钟始终领先于观察到的所有时间戳
func (d *Doc) bumpClockLocked(id ItemID, n int) {
	last := id.Clock + uint64(n)
	if last > d.clock {
		d.clock = last
	}
}

// EncodeState 把完整文档序列化为一个更新：所有插入（含墓碑，保证并发引用
// 仍能解析）、删除和元数据，按文档顺序排列，接收方不需要推迟任何 op
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []op
	for id, t := range d.texts {
		for _, it := range t.items {
			o := op{Type: "ins", Text: id, ID: it.id, Content: string(it.content)}
			if it.origin != nil {
				origin := *it.origin
				o.Origin = &origin
			}
			if len(it.attrs) > 0 {
				o.Attrs = it.attrs
			}
			ops = append(ops, o)
			if it.deleted {
				ops = append(ops, op{Type: "del", Text: id, Target: it.id, Len: len(it.content)})
			}
		}
	}
	for key, e := range d.meta {
		ops = append(ops, op{Type: "meta", ID: e.stamp, Key: key, Value: e.value})
	}
	return encodeUpdate(ops)
}

func encodeUpdate(ops []op) []byte {
	payload, err := json.Marshal(update{Ops: ops})
	if err != nil {
		// op 只含可 JSON 编码的字段
		panic(err)
	}
	return payload
}

// MergeUpdates 把多个更新拼接成一个，不触碰任何文档
func MergeUpdates(updates [][]byte) ([]byte, error) {
	var merged update
	for _, payload := range updates {
		var u update
		if err := json.Unmarshal(payload, &u); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
		}
		merged.Ops = append(merged.Ops, u.Ops...)
	}
	return json.Marshal(merged)
}
