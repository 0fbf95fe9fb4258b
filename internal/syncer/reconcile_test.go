package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/crdt"
)

// makeUpdate 在一个独立副本上执行编辑并返回合并后的更新
func makeUpdate(t *testing.T, fn func(d *crdt.Doc)) []byte {
	t.Helper()
	d := crdt.NewDoc()
	var ups [][]byte
	d.OnUpdate(func(u []byte) { ups = append(ups, u) })
	fn(d)
	merged, err := crdt.MergeUpdates(ups)
	if err != nil {
		t.Fatalf("failed to merge updates: %v", err)
	}
	return merged
}

// gateOpener 每次重建都等放行信号，用来控制完成顺序
// 同时记录每次调用请求的版本，模拟重开对注册表的持久化副作用
type gateOpener struct {
	mu       sync.Mutex
	gates    []chan *crdt.Doc
	versions []string
}

func (o *gateOpener) Reopen(ctx context.Context, objectID string, expectedVersion *string) (*crdt.Doc, error) {
	o.mu.Lock()
	gate := make(chan *crdt.Doc)
	o.gates = append(o.gates, gate)
	if expectedVersion != nil {
		o.versions = append(o.versions, *expectedVersion)
	} else {
		o.versions = append(o.versions, "")
	}
	o.mu.Unlock()

	select {
	case doc := <-gate:
		return doc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lastVersion 最近一次重开落到持久层的版本
func (o *gateOpener) lastVersion() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.versions) == 0 {
		return ""
	}
	return o.versions[len(o.versions)-1]
}

func (o *gateOpener) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		got := len(o.gates)
		o.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("opener was not called %d times in time", n)
}

func (o *gateOpener) release(i int, doc *crdt.Doc) {
	o.mu.Lock()
	gate := o.gates[i]
	o.mu.Unlock()
	gate <- doc
}

func newTestSyncContext(t *testing.T, version *string) (*ContextRegistry, *SyncContext) {
	t.Helper()
	reg := NewContextRegistry(&Config{
		Origin:           "tab-a",
		DebounceInterval: 20 * time.Millisecond,
		CleanupGrace:     time.Second,
		Logger:           zap.NewNop(),
	})
	t.Cleanup(func() { reg.Close() })

	sc, err := reg.Register(context.Background(), crdt.NewDoc(), "obj-1", CollabTypeDocument, version)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return reg, sc
}

func TestReconcileAppliesVersionlessUpdate(t *testing.T) {
	_, sc := newTestSyncContext(t, nil)
	rc := NewReconciler(&ReconcilerConfig{Logger: zap.NewNop()})

	payload := makeUpdate(t, func(d *crdt.Doc) {
		if err := d.GetText("content").Insert(0, "hello"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	})

	rc.Handle(sc, &Envelope{
		ObjectID:   "obj-1",
		CollabType: CollabTypeDocument,
		Type:       MessageTypeUpdate,
		Payload:    payload,
	})

	if got := sc.Doc().GetText("content").String(); got != "hello" {
		t.Errorf("expected %q after versionless apply, got %q", "hello", got)
	}
}

func TestReconcileAppliesMatchingVersion(t *testing.T) {
	v := "v1"
	_, sc := newTestSyncContext(t, &v)
	rc := NewReconciler(&ReconcilerConfig{Logger: zap.NewNop()})

	payload := makeUpdate(t, func(d *crdt.Doc) {
		if err := d.GetText("content").Insert(0, "same version"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	})

	remote := "v1"
	rc.Handle(sc, &Envelope{
		ObjectID: "obj-1",
		Type:     MessageTypeUpdate,
		Version:  &remote,
		Payload:  payload,
	})

	if got := sc.Doc().GetText("content").String(); got != "same version" {
		t.Errorf("expected %q, got %q", "same version", got)
	}
}

func TestReconcileVersionMismatchResets(t *testing.T) {
	v := "v1"
	_, sc := newTestSyncContext(t, &v)
	oldDoc := sc.Doc()

	opener := &gateOpener{}
	rc := NewReconciler(&ReconcilerConfig{Opener: opener, Logger: zap.NewNop()})

	payload := makeUpdate(t, func(d *crdt.Doc) {
		if err := d.GetText("content").Insert(0, "from v2"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	})

	remote := "v2"
	rc.Handle(sc, &Envelope{
		ObjectID: "obj-1",
		Type:     MessageTypeUpdate,
		Version:  &remote,
		Payload:  payload,
	})

	opener.waitCalls(t, 1)
	opener.release(0, crdt.NewDoc())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ver := sc.Version(); ver != nil && *ver == "v2" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ver := sc.Version(); ver == nil || *ver != "v2" {
		t.Fatal("sync context should carry the remote version after reset")
	}
	if sc.Doc() == oldDoc {
		t.Error("reset must replace the live document instance")
	}
	if got := sc.Doc().GetText("content").String(); got != "from v2" {
		t.Errorf("expected %q after reset, got %q", "from v2", got)
	}
}

func TestStaleResetGenerationIsDiscarded(t *testing.T) {
	v := "v1"
	_, sc := newTestSyncContext(t, &v)

	opener := &gateOpener{}
	rc := NewReconciler(&ReconcilerConfig{Opener: opener, Logger: zap.NewNop()})

	v2, v3 := "v2", "v3"
	p2 := makeUpdate(t, func(d *crdt.Doc) {
		if err := d.GetText("content").Insert(0, "second"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	})
	p3 := makeUpdate(t, func(d *crdt.Doc) {
		if err := d.GetText("content").Insert(0, "third"); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	})

	// 第一代还停在重开里时发起第二代：第一代完成后其结果必须整体丢弃，
	// 第二代的重开随后执行，注册表最终落在最新代号的版本上
	rc.Handle(sc, &Envelope{ObjectID: "obj-1", Type: MessageTypeUpdate, Version: &v2, Payload: p2})
	opener.waitCalls(t, 1)
	rc.Handle(sc, &Envelope{ObjectID: "obj-1", Type: MessageTypeUpdate, Version: &v3, Payload: p3})

	opener.release(0, crdt.NewDoc())
	opener.waitCalls(t, 2)
	docV3 := crdt.NewDoc()
	opener.release(1, docV3)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ver := sc.Version(); ver != nil && *ver == "v3" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ver := sc.Version(); ver == nil || *ver != "v3" {
		t.Fatalf("latest requested generation must win, got version %v", ver)
	}
	if sc.Doc() != docV3 {
		t.Error("sync context must keep the document from the latest generation")
	}
	if got := sc.Doc().GetText("content").String(); got != "third" {
		t.Errorf("expected %q, got %q", "third", got)
	}
	// 持久层最后一次重开也必须停在胜出版本，注册表和上下文保持一致
	if got := opener.lastVersion(); got != "v3" {
		t.Errorf("registry must end at the winning version, persisted %q", got)
	}
}

func TestSyncRequestVersionMismatchTriggersReset(t *testing.T) {
	sender := &captureSender{}
	reg := NewContextRegistry(&Config{
		Origin:           "tab-a",
		Sender:           sender,
		DebounceInterval: 10 * time.Millisecond,
		CleanupGrace:     time.Second,
		Logger:           zap.NewNop(),
	})
	defer reg.Close()

	v1 := "v1"
	sc, err := reg.Register(context.Background(), crdt.NewDoc(), "obj-1", CollabTypeDocument, &v1)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	opener := &gateOpener{}
	rc := NewReconciler(&ReconcilerConfig{Opener: opener, Logger: zap.NewNop()})

	// 对端带着更新的已知版本请求回放：不能用过期状态应答，
	// 否则对端会把更新鲜的一侧倒着重置回去
	v2 := "v2"
	rc.Handle(sc, &Envelope{
		ObjectID: "obj-1",
		Type:     MessageTypeSyncRequest,
		Origin:   "tab-b",
		Version:  &v2,
	})

	if stale := sender.byType(MessageTypeFullSync); len(stale) != 0 {
		t.Fatalf("mismatched sync request must not get a stale reply, got %d", len(stale))
	}
	opener.waitCalls(t, 1)

	fresh := crdt.NewDoc()
	if err := fresh.GetText("content").Insert(0, "at v2"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	opener.release(0, fresh)

	deadline := time.Now().Add(2 * time.Second)
	var replies []*Envelope
	for time.Now().Before(deadline) {
		if replies = sender.byType(MessageTypeFullSync); len(replies) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(replies) != 1 {
		t.Fatalf("expected 1 full sync reply after reset, got %d", len(replies))
	}
	if replies[0].Version == nil || *replies[0].Version != "v2" {
		t.Error("reply must carry the reconciled version")
	}
	if ver := sc.Version(); ver == nil || *ver != "v2" {
		t.Error("sync context should carry the requested version after reset")
	}
}

func TestResetRateLimitIsPerObject(t *testing.T) {
	reg := NewContextRegistry(&Config{
		Origin:           "tab-a",
		DebounceInterval: 10 * time.Millisecond,
		CleanupGrace:     time.Second,
		Logger:           zap.NewNop(),
	})
	defer reg.Close()

	v1 := "v1"
	scA, err := reg.Register(context.Background(), crdt.NewDoc(), "obj-a", CollabTypeDocument, &v1)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	scB, err := reg.Register(context.Background(), crdt.NewDoc(), "obj-b", CollabTypeDocument, &v1)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	opener := &gateOpener{}
	rc := NewReconciler(&ReconcilerConfig{
		Opener:        opener,
		ResetInterval: time.Hour,
		ResetBurst:    1,
		Logger:        zap.NewNop(),
	})

	// 打开的工作区里可能同时有多个过期文档，一个对象的重置配额
	// 不允许挤占另一个对象的
	v2 := "v2"
	rc.Handle(scA, &Envelope{ObjectID: "obj-a", Type: MessageTypeUpdate, Version: &v2})
	rc.Handle(scB, &Envelope{ObjectID: "obj-b", Type: MessageTypeUpdate, Version: &v2})

	opener.waitCalls(t, 2)
	opener.release(0, crdt.NewDoc())
	opener.release(1, crdt.NewDoc())
}

func TestRateLimitedResetIsDelayedNotDropped(t *testing.T) {
	v1 := "v1"
	_, sc := newTestSyncContext(t, &v1)

	opener := &gateOpener{}
	rc := NewReconciler(&ReconcilerConfig{
		Opener:        opener,
		ResetInterval: 50 * time.Millisecond,
		ResetBurst:    1,
		Logger:        zap.NewNop(),
	})

	v2, v3 := "v2", "v3"
	rc.Handle(sc, &Envelope{ObjectID: "obj-1", Type: MessageTypeUpdate, Version: &v2})
	opener.waitCalls(t, 1)
	opener.release(0, crdt.NewDoc())

	// 配额已用完：第二次重置延后执行，但绝不能被丢弃
	rc.Handle(sc, &Envelope{ObjectID: "obj-1", Type: MessageTypeUpdate, Version: &v3})
	opener.waitCalls(t, 2)
	opener.release(1, crdt.NewDoc())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ver := sc.Version(); ver != nil && *ver == "v3" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ver := sc.Version(); ver == nil || *ver != "v3" {
		t.Fatal("rate-limited reset must still run after its delay")
	}
}

func TestSyncRequestGetsFullReplay(t *testing.T) {
	sender := &captureSender{}
	reg := NewContextRegistry(&Config{
		Origin:           "tab-a",
		Sender:           sender,
		DebounceInterval: 10 * time.Millisecond,
		CleanupGrace:     time.Second,
		Logger:           zap.NewNop(),
	})
	defer reg.Close()

	doc := crdt.NewDoc()
	if err := doc.GetText("content").Insert(0, "full state"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	sc, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	rc := NewReconciler(&ReconcilerConfig{Logger: zap.NewNop()})
	rc.Handle(sc, &Envelope{
		ObjectID: "obj-1",
		Type:     MessageTypeSyncRequest,
		Origin:   "tab-b",
	})

	replays := sender.byType(MessageTypeFullSync)
	if len(replays) != 1 {
		t.Fatalf("expected 1 full sync reply, got %d", len(replays))
	}
	replica := crdt.NewDoc()
	if err := replica.ApplyUpdate(replays[0].Payload); err != nil {
		t.Fatalf("replica failed to apply replay: %v", err)
	}
	if got := replica.GetText("content").String(); got != "full state" {
		t.Errorf("expected replayed content %q, got %q", "full state", got)
	}
}

func TestHandleSurvivesMalformedPayload(t *testing.T) {
	_, sc := newTestSyncContext(t, nil)
	rc := NewReconciler(&ReconcilerConfig{Logger: zap.NewNop()})

	rc.Handle(sc, &Envelope{
		ObjectID: "obj-1",
		Type:     MessageTypeUpdate,
		Payload:  []byte("not an update"),
	})
	// 处理坏负载不能崩溃，文档保持不变
	if got := sc.Doc().GetText("content").String(); got != "" {
		t.Errorf("document should be untouched, got %q", got)
	}
}
