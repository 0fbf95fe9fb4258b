package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/crdt"
)

type captureSender struct {
	mu   sync.Mutex
	envs []*Envelope
}

func (s *captureSender) Send(env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *captureSender) byType(t MessageType) []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Envelope
	for _, env := range s.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func createTestContextRegistry(sender Sender) *ContextRegistry {
	return NewContextRegistry(&Config{
		Origin:           "tab-a",
		Sender:           sender,
		DebounceInterval: 20 * time.Millisecond,
		CleanupGrace:     50 * time.Millisecond,
		Logger:           zap.NewNop(),
	})
}

func TestRegisterSharesContext(t *testing.T) {
	reg := createTestContextRegistry(nil)
	defer reg.Close()
	doc := crdt.NewDoc()

	a, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil)
	if err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	b, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil)
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if a != b {
		t.Error("expected both registrations to share one sync context")
	}
	if got := a.OwnerCount(); got != 2 {
		t.Errorf("expected owner count 2, got %d", got)
	}
}

func TestDeferredCleanupTearsDown(t *testing.T) {
	reg := createTestContextRegistry(nil)
	defer reg.Close()
	doc := crdt.NewDoc()

	if _, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	reg.ScheduleDeferredCleanup("obj-1", 0)

	if _, ok := reg.Lookup("obj-1"); !ok {
		t.Fatal("context should survive until the grace period elapses")
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok := reg.Lookup("obj-1"); ok {
		t.Error("context should be torn down after the grace period")
	}
}

func TestReRegisterCancelsCleanup(t *testing.T) {
	reg := createTestContextRegistry(nil)
	defer reg.Close()
	doc := crdt.NewDoc()

	if _, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	reg.ScheduleDeferredCleanup("obj-1", 0)

	time.Sleep(20 * time.Millisecond)
	sc, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil)
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if _, ok := reg.Lookup("obj-1"); !ok {
		t.Fatal("re-registration inside the grace period must cancel teardown")
	}
	if got := sc.OwnerCount(); got != 1 {
		t.Errorf("expected owner count 1 after cancel, got %d", got)
	}
}

func TestTeardownWaitsForLastOwner(t *testing.T) {
	reg := createTestContextRegistry(nil)
	defer reg.Close()
	doc := crdt.NewDoc()

	ctx := context.Background()
	if _, err := reg.Register(ctx, doc, "obj-1", CollabTypeDocument, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := reg.Register(ctx, doc, "obj-1", CollabTypeDocument, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// 第一个持有者释放：另一个还在，宽限期后不能拆除
	reg.ScheduleDeferredCleanup("obj-1", 0)
	time.Sleep(120 * time.Millisecond)
	if _, ok := reg.Lookup("obj-1"); !ok {
		t.Fatal("context must survive while another owner remains")
	}

	reg.ScheduleDeferredCleanup("obj-1", 0)
	time.Sleep(120 * time.Millisecond)
	if _, ok := reg.Lookup("obj-1"); ok {
		t.Error("context should be torn down after the last owner releases")
	}
}

func TestCleanupDelayOverridesDefault(t *testing.T) {
	reg := NewContextRegistry(&Config{
		Origin:       "tab-a",
		CleanupGrace: time.Hour, // 默认宽限期远大于测试时长，拆除只能来自单次延迟
		Logger:       zap.NewNop(),
	})
	defer reg.Close()
	doc := crdt.NewDoc()

	if _, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	reg.ScheduleDeferredCleanup("obj-1", 30*time.Millisecond)

	if _, ok := reg.Lookup("obj-1"); !ok {
		t.Fatal("context should survive until the per-call delay elapses")
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok := reg.Lookup("obj-1"); ok {
		t.Error("per-call delay should override the registry default")
	}
}

func TestOutboundUpdatesAreBatched(t *testing.T) {
	sender := &captureSender{}
	reg := createTestContextRegistry(sender)
	defer reg.Close()
	doc := crdt.NewDoc()

	if _, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	text := doc.GetText("content")
	if err := text.Insert(0, "a"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := text.Insert(1, "b"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := text.Insert(2, "c"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	updates := sender.byType(MessageTypeUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected 1 batched update envelope, got %d", len(updates))
	}

	replica := crdt.NewDoc()
	if err := replica.ApplyUpdate(updates[0].Payload); err != nil {
		t.Fatalf("replica failed to apply batch: %v", err)
	}
	if got := replica.GetText("content").String(); got != "abc" {
		t.Errorf("expected replica content %q, got %q", "abc", got)
	}
}

func TestDestroyFlushesPendingUpdates(t *testing.T) {
	sender := &captureSender{}
	reg := NewContextRegistry(&Config{
		Origin:           "tab-a",
		Sender:           sender,
		DebounceInterval: time.Hour, // 靠销毁触发冲刷，不靠定时器
		CleanupGrace:     50 * time.Millisecond,
		Logger:           zap.NewNop(),
	})
	defer reg.Close()
	doc := crdt.NewDoc()

	if _, err := reg.Register(context.Background(), doc, "obj-1", CollabTypeDocument, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := doc.GetText("content").Insert(0, "last words"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	doc.Destroy()

	updates := sender.byType(MessageTypeUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected destroy to flush exactly one update, got %d", len(updates))
	}
}

func TestRegisterSendsInitialSyncRequest(t *testing.T) {
	sender := &captureSender{}
	reg := createTestContextRegistry(sender)
	defer reg.Close()

	v := "v7"
	if _, err := reg.Register(context.Background(), crdt.NewDoc(), "obj-1", CollabTypeDatabaseRow, &v); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	reqs := sender.byType(MessageTypeSyncRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 initial sync request, got %d", len(reqs))
	}
	if reqs[0].CollabType != CollabTypeDatabaseRow {
		t.Errorf("unexpected collab type %q", reqs[0].CollabType)
	}
	if reqs[0].Version == nil || *reqs[0].Version != "v7" {
		t.Error("sync request should carry the local version tag")
	}
}

func TestMemoryBroadcasterFiltersOwnOrigin(t *testing.T) {
	b := NewMemoryBroadcaster(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	subA, err := b.Subscribe(ctx, "obj-1", "tab-a")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	subB, err := b.Subscribe(ctx, "obj-1", "tab-b")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	env := &Envelope{ObjectID: "obj-1", CollabType: CollabTypeDocument, Type: MessageTypeUpdate, Origin: "tab-a"}
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-subB.Channel:
		if got.Origin != "tab-a" {
			t.Errorf("unexpected origin %q", got.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("other-origin subscriber should receive the envelope")
	}

	select {
	case <-subA.Channel:
		t.Error("publisher must not receive its own envelope")
	default:
	}
}
