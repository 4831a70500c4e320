package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/sshpool"
	"github.com/webconsole-io/gateway/internal/store"
	"github.com/webconsole-io/gateway/internal/target"
	"github.com/webconsole-io/gateway/internal/transport/transporttest"
)

type fixture struct {
	reg    *Registry
	dialer *transporttest.Dialer
	pool   *sshpool.Pool
	store  *store.Store
	bus    *bus.Bus
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dialer := transporttest.NewDialer()
	pool := sshpool.New(dialer, 10)
	targets := target.NewStatic([]target.Target{
		{ID: "web-1", Name: "Web", Host: "10.0.0.1", User: "deploy"},
		{ID: "db-1", Name: "DB", Host: "10.0.0.2", User: "deploy"},
	}, []target.UserConfig{
		{ID: "capped", MaxSessionsPerTarget: 1},
	})
	b := bus.New()
	return &fixture{
		reg:    New(pool, st, targets, b, opts),
		dialer: dialer,
		pool:   pool,
		store:  st,
		bus:    b,
	}
}

func waitEvent(t *testing.T, sub *bus.Subscription, suffix string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed while waiting for event")
			}
			if len(ev.Topic) >= len(suffix) && ev.Topic[len(ev.Topic)-len(suffix):] == suffix {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", suffix)
		}
	}
}

func TestCreateConnectsAndPersists(t *testing.T) {
	f := setup(t, Options{})
	sub := f.bus.Subscribe(bus.UserPrefix("alice"), 64)
	defer f.bus.Unsubscribe(sub)

	info, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.Status != StatusConnected || info.ViewMode != ViewTerminal {
		t.Errorf("info = %+v", info)
	}
	if info.Name != "Web" {
		t.Errorf("name = %q, want target display name", info.Name)
	}

	waitEvent(t, sub, bus.TopicSessionCreated)

	rec, err := f.store.GetRecord("s1")
	if err != nil || rec == nil {
		t.Fatalf("record not persisted: %v %v", rec, err)
	}
	list := f.reg.List("alice")
	if len(list) != 1 || list[0].Status != StatusConnected {
		t.Errorf("list = %+v", list)
	}
	if got := f.reg.List("bob"); len(got) != 0 {
		t.Errorf("bob should see no sessions, got %+v", got)
	}
}

func TestCreateIsIdempotentForLiveSession(t *testing.T) {
	f := setup(t, Options{})
	req := CreateRequest{SessionID: "s1", UserID: "alice", TargetID: "web-1"}
	if _, err := f.reg.Create(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	info, err := f.reg.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if info.Status != StatusAlreadyConnected {
		t.Errorf("status = %q, want already_connected", info.Status)
	}
	if got := f.dialer.Dialed(); got != 1 {
		t.Errorf("dialed %d times, want 1", got)
	}
}

func TestCreateEnforcesQuota(t *testing.T) {
	f := setup(t, Options{})
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "capped", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s2", UserID: "capped", TargetID: "web-1",
	})
	if !errors.Is(err, errs.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	// Another target and another user are unaffected.
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s3", UserID: "capped", TargetID: "db-1",
	}); err != nil {
		t.Errorf("other target: %v", err)
	}
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s4", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Errorf("other user: %v", err)
	}
}

func TestDockerHelperWithoutViewIsDiscarded(t *testing.T) {
	f := setup(t, Options{})
	_, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "d1", UserID: "alice", TargetID: "web-1",
		Command: "docker exec -it app sh",
	})
	if !errors.Is(err, errs.ErrViewClosed) {
		t.Fatalf("err = %v, want ErrViewClosed", err)
	}
	if got := f.pool.SlotCount("web-1"); got != 0 {
		t.Errorf("pool slots = %d, want 0 after discard", got)
	}
	if rec, _ := f.store.GetRecord("d1"); rec != nil {
		t.Error("discarded session must not be persisted")
	}
}

func TestDockerHelperAllowedUnderDockerView(t *testing.T) {
	f := setup(t, Options{})
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "parent", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetViewMode("parent", "alice", ViewDocker); err != nil {
		t.Fatal(err)
	}
	info, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "d1", UserID: "alice", TargetID: "web-1",
		Command: "docker exec -it app sh",
	})
	if err != nil {
		t.Fatalf("create helper: %v", err)
	}
	if !info.Docker {
		t.Error("helper session should be flagged docker")
	}
}

func TestWriteHistoryAndOutputEvents(t *testing.T) {
	f := setup(t, Options{})
	sub := f.bus.Subscribe(bus.UserPrefix("alice"), 64)
	defer f.bus.Unsubscribe(sub)

	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}

	shell := f.dialer.Conns()[0].Shells()[0]
	shell.Feed([]byte("$ hello\r\n"))

	ev := waitEvent(t, sub, bus.TopicCommandOut)
	out := ev.Payload.(OutputEvent)
	if out.SessionID != "s1" || out.Data != "$ hello\r\n" {
		t.Errorf("output event = %+v", out)
	}

	if err := f.reg.Write("s1", "alice", []byte("ls\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := shell.Written(); got != "ls\n" {
		t.Errorf("written = %q", got)
	}
	if err := f.reg.Write("s1", "bob", []byte("x")); !errors.Is(err, errs.ErrUnauthorized) {
		t.Errorf("foreign write err = %v, want ErrUnauthorized", err)
	}

	hist, err := f.reg.History("s1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if hist != "$ hello\r\n" {
		t.Errorf("history = %q", hist)
	}
}

func TestRemoteCloseParksSessionRestorable(t *testing.T) {
	f := setup(t, Options{})
	sub := f.bus.Subscribe(bus.UserPrefix("alice"), 64)
	defer f.bus.Unsubscribe(sub)

	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	f.dialer.Conns()[0].Shells()[0].CloseRemote(0)

	ev := waitEvent(t, sub, bus.TopicSessionTerminated)
	term := ev.Payload.(TerminatedEvent)
	if term.ByUser {
		t.Error("remote close must report byUser=false")
	}

	list := f.reg.List("alice")
	if len(list) != 1 || list[0].Status != StatusRestorable {
		t.Fatalf("list = %+v, want one restorable session", list)
	}
	if rec, _ := f.store.GetRecord("s1"); rec == nil {
		t.Error("record must survive a remote close")
	}
}

func TestRestoreReconnects(t *testing.T) {
	f := setup(t, Options{})
	sub := f.bus.Subscribe(bus.UserPrefix("alice"), 64)
	defer f.bus.Unsubscribe(sub)

	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	f.dialer.Conns()[0].Shells()[0].CloseRemote(0)
	waitEvent(t, sub, bus.TopicSessionTerminated)

	if _, err := f.reg.Restore(context.Background(), "s1", "bob"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("foreign restore err = %v, want ErrUnauthorized", err)
	}

	info, err := f.reg.Restore(context.Background(), "s1", "alice")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if info.Status != StatusConnected {
		t.Errorf("status = %q", info.Status)
	}
	if got := f.dialer.Dialed(); got != 2 {
		t.Errorf("dialed %d times, want 2", got)
	}
	if rec, _ := f.store.GetRecord("s1"); rec == nil {
		t.Error("record must remain as the mirror of the live session")
	}
}

func TestTerminateRemovesEverything(t *testing.T) {
	f := setup(t, Options{})
	sub := f.bus.Subscribe(bus.UserPrefix("alice"), 64)
	defer f.bus.Unsubscribe(sub)

	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Terminate("s1", "bob"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("foreign terminate err = %v", err)
	}
	if err := f.reg.Terminate("s1", "alice"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	ev := waitEvent(t, sub, bus.TopicSessionTerminated)
	if term := ev.Payload.(TerminatedEvent); !term.ByUser {
		t.Error("user terminate must report byUser=true")
	}
	if rec, _ := f.store.GetRecord("s1"); rec != nil {
		t.Error("record must be deleted on terminate")
	}
	if got := len(f.reg.List("alice")); got != 0 {
		t.Errorf("list length = %d, want 0", got)
	}
	if err := f.reg.Terminate("s1", "alice"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("second terminate err = %v, want ErrNotFound", err)
	}
}

func TestTerminateDockerViewCascadesToHelpers(t *testing.T) {
	f := setup(t, Options{})
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "parent", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetViewMode("parent", "alice", ViewDocker); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "helper", UserID: "alice", TargetID: "web-1",
		Command: "docker exec -it app sh",
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.reg.Terminate("parent", "alice"); err != nil {
		t.Fatalf("terminate parent: %v", err)
	}
	if got := len(f.reg.List("alice")); got != 0 {
		t.Errorf("helper should be cascaded away, list = %d", got)
	}
}

func TestLeavingDockerViewTerminatesHelpers(t *testing.T) {
	f := setup(t, Options{})
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "parent", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetViewMode("parent", "alice", ViewDocker); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "helper", UserID: "alice", TargetID: "web-1",
		Command: "docker exec -it app sh",
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.reg.SetViewMode("parent", "alice", ViewTerminal); err != nil {
		t.Fatal(err)
	}

	list := f.reg.List("alice")
	if len(list) != 1 || list[0].SessionID != "parent" {
		t.Errorf("list = %+v, want only the parent", list)
	}
}

func TestSetViewModeDemotesSibling(t *testing.T) {
	f := setup(t, Options{})
	for _, id := range []string{"a", "b"} {
		if _, err := f.reg.Create(context.Background(), CreateRequest{
			SessionID: id, UserID: "alice", TargetID: "web-1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.reg.SetViewMode("a", "alice", ViewFiles); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetViewMode("b", "alice", ViewFiles); err != nil {
		t.Fatal(err)
	}

	modes := map[string]string{}
	for _, in := range f.reg.List("alice") {
		modes[in.SessionID] = in.ViewMode
	}
	if modes["a"] != ViewTerminal || modes["b"] != ViewFiles {
		t.Errorf("modes = %v, want a demoted to terminal", modes)
	}
}

func TestCreateWithViewMode(t *testing.T) {
	f := setup(t, Options{})

	info, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "a", UserID: "alice", TargetID: "web-1", ViewMode: ViewFiles,
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.ViewMode != ViewFiles {
		t.Errorf("view mode = %q, want %q", info.ViewMode, ViewFiles)
	}
	if rec, _ := f.store.GetRecord("a"); rec == nil || rec.ViewMode != ViewFiles {
		t.Errorf("record = %+v, want persisted files view", rec)
	}

	// Default is terminal; a second files session takes the view over.
	info, err = f.reg.Create(context.Background(), CreateRequest{
		SessionID: "b", UserID: "alice", TargetID: "web-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.ViewMode != ViewTerminal {
		t.Errorf("default view mode = %q, want %q", info.ViewMode, ViewTerminal)
	}
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "c", UserID: "alice", TargetID: "web-1", ViewMode: ViewFiles,
	}); err != nil {
		t.Fatal(err)
	}
	modes := map[string]string{}
	for _, in := range f.reg.List("alice") {
		modes[in.SessionID] = in.ViewMode
	}
	if modes["a"] != ViewTerminal || modes["c"] != ViewFiles {
		t.Errorf("modes = %v, want a demoted to terminal", modes)
	}

	_, err = f.reg.Create(context.Background(), CreateRequest{
		SessionID: "d", UserID: "alice", TargetID: "web-1", ViewMode: "graphs",
	})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("invalid view mode error = %v, want ErrInvalidArgument", err)
	}
}

func TestSetViewModeOnRestorableSession(t *testing.T) {
	f := setup(t, Options{})
	sub := f.bus.Subscribe(bus.UserPrefix("alice"), 64)
	defer f.bus.Unsubscribe(sub)

	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	f.dialer.Conns()[0].Shells()[0].CloseRemote(0)
	waitEvent(t, sub, bus.TopicSessionTerminated)

	if err := f.reg.SetViewMode("s1", "bob", ViewFiles); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("foreign user error = %v, want ErrUnauthorized", err)
	}
	if err := f.reg.SetViewMode("s1", "alice", ViewFiles); err != nil {
		t.Fatalf("SetViewMode on restorable session: %v", err)
	}

	list := f.reg.List("alice")
	if len(list) != 1 || list[0].Status != StatusRestorable || list[0].ViewMode != ViewFiles {
		t.Fatalf("list = %+v, want one restorable files session", list)
	}
	if rec, _ := f.store.GetRecord("s1"); rec == nil || rec.ViewMode != ViewFiles {
		t.Errorf("record = %+v, want persisted files view", rec)
	}
}

func TestSetViewModeDemotesRestorableSibling(t *testing.T) {
	f := setup(t, Options{})
	sub := f.bus.Subscribe(bus.UserPrefix("alice"), 64)
	defer f.bus.Unsubscribe(sub)

	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "a", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetViewMode("a", "alice", ViewFiles); err != nil {
		t.Fatal(err)
	}
	f.dialer.Conns()[0].Shells()[0].CloseRemote(0)
	waitEvent(t, sub, bus.TopicSessionTerminated)

	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "b", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.SetViewMode("b", "alice", ViewFiles); err != nil {
		t.Fatal(err)
	}

	modes := map[string]string{}
	for _, in := range f.reg.List("alice") {
		modes[in.SessionID] = in.ViewMode
	}
	if modes["a"] != ViewTerminal || modes["b"] != ViewFiles {
		t.Errorf("modes = %v, want restorable a demoted to terminal", modes)
	}
	if rec, _ := f.store.GetRecord("a"); rec == nil || rec.ViewMode != ViewTerminal {
		t.Errorf("record = %+v, want persisted terminal view", rec)
	}
}

func TestReapIdleParksSession(t *testing.T) {
	f := setup(t, Options{IdleTimeout: time.Nanosecond})
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if got := f.reg.ReapIdle(); got != 1 {
		t.Fatalf("reaped %d sessions, want 1", got)
	}
	list := f.reg.List("alice")
	if len(list) != 1 || list[0].Status != StatusRestorable {
		t.Errorf("list = %+v, want one restorable", list)
	}
	if rec, _ := f.store.GetRecord("s1"); rec == nil {
		t.Error("record must survive the reaper")
	}
	if got := f.pool.SlotCount("web-1"); got != 0 {
		t.Errorf("pool slots = %d, want 0 after reap", got)
	}
}

func TestKeepAliveDefersReaper(t *testing.T) {
	f := setup(t, Options{IdleTimeout: 200 * time.Millisecond})
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)
	if err := f.reg.KeepAlive("s1", "alice"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)
	if got := f.reg.ReapIdle(); got != 0 {
		t.Errorf("reaped %d sessions, want 0 after keepalive", got)
	}
}

func TestReorderAndListOrder(t *testing.T) {
	f := setup(t, Options{})
	for _, id := range []string{"a", "b", "c"} {
		if _, err := f.reg.Create(context.Background(), CreateRequest{
			SessionID: id, UserID: "alice", TargetID: "web-1",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.reg.Reorder("alice", []string{"c", "a", "b"}); err != nil {
		t.Fatal(err)
	}
	list := f.reg.List("alice")
	if len(list) != 3 || list[0].SessionID != "c" || list[1].SessionID != "a" {
		t.Errorf("list order = %+v", list)
	}
}

func TestLoadRestorable(t *testing.T) {
	f := setup(t, Options{})
	f.store.SaveRecord(store.SessionRecord{
		SessionID: "old", UserID: "alice", TargetID: "web-1", ViewMode: ViewTerminal,
	})
	f.reg.LoadRestorable()

	list := f.reg.List("alice")
	if len(list) != 1 || list[0].Status != StatusRestorable {
		t.Fatalf("list = %+v", list)
	}
	if _, err := f.reg.Restore(context.Background(), "old", "alice"); err != nil {
		t.Errorf("restore loaded session: %v", err)
	}
}

func TestGetTargetID(t *testing.T) {
	f := setup(t, Options{})
	if _, err := f.reg.Create(context.Background(), CreateRequest{
		SessionID: "s1", UserID: "alice", TargetID: "web-1",
	}); err != nil {
		t.Fatal(err)
	}
	id, err := f.reg.GetTargetID("s1", "alice")
	if err != nil || id != "web-1" {
		t.Errorf("got (%q, %v)", id, err)
	}
	if _, err := f.reg.GetTargetID("s1", "bob"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Errorf("foreign lookup err = %v", err)
	}
	if _, err := f.reg.GetTargetID("nope", "alice"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("missing lookup err = %v", err)
	}
}
