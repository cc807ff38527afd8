package login

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turnstiled/turnstiled/internal/config"
	"github.com/turnstiled/turnstiled/internal/process"
	"github.com/turnstiled/turnstiled/internal/protocol"
)

// fakeNotifier is a Notifier test double recording every call it receives.
type fakeNotifier struct {
	notified []uint32
	closed   []int
}

func (f *fakeNotifier) Notify(fd int, word uint32) error {
	f.notified = append(f.notified, word)
	return nil
}

func (f *fakeNotifier) CloseConn(fd int) {
	f.closed = append(f.closed, fd)
}

// testManager builds a Manager wired to a disabled backend (no privileged
// filesystem or exec calls) and a MockSpawner, so its lifecycle can be
// driven deterministically under an unprivileged test uid.
func testManager(t *testing.T) (*Manager, *fakeNotifier, *process.MockSpawner) {
	t.Helper()

	base, err := OpenBaseDir(t.TempDir(), "sock")
	if err != nil {
		t.Fatalf("OpenBaseDir: %v", err)
	}
	t.Cleanup(func() { base.Close() })

	cfg := &config.Config{
		Supervisor: config.SupervisorConfig{
			Backend:  "dinit",
			Disable:  true,
			RdirPath: "/run/user/%(uid)s",
		},
	}

	spawner := &process.MockSpawner{}
	starter := NewStarter(base, spawner, cfg, nil)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	notify := &fakeNotifier{}

	uid := uint32(os.Getuid())
	pw := fakePwent{entries: map[uint32]*PasswdEntry{
		uid: {UID: uid, GID: uid, Name: "tester", Homedir: os.TempDir()},
	}}
	reg := NewRegistry(cfg, pw, fakeLinger{}, log)

	mgr := NewManager(reg, starter, cfg, notify, log)
	return mgr, notify, spawner
}

func currentUID() uint32 { return uint32(os.Getuid()) }

func TestManagerHandleStartSpawnsAndBoots(t *testing.T) {
	mgr, notify, spawner := testManager(t)
	uid := currentUID()

	word, err := mgr.HandleStart(5, uid)
	if err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	if word != uint32(protocol.MsgOKWait) {
		t.Fatalf("word = %d, want MSG_OK_WAIT", word)
	}

	lgn := mgr.Registry.ByUID(uid)
	if lgn == nil {
		t.Fatal("expected a login to be populated")
	}
	if lgn.SrvPid == -1 {
		t.Fatal("expected Starter.Start to have spawned the disabled placeholder")
	}
	if lgn.StartPid == -1 {
		t.Fatal("expected the boot helper to have been spawned too, since Disable bypasses the ready pipe")
	}
	if len(spawner.SpawnCalls) != 2 {
		t.Fatalf("spawn calls = %d, want 2 (placeholder + boot helper)", len(spawner.SpawnCalls))
	}

	// A second HandleStart for the same uid, while still waiting, must not
	// spawn again and must return MSG_OK_WAIT.
	if _, err := mgr.HandleStart(6, uid); err != nil {
		t.Fatalf("second HandleStart: %v", err)
	}
	if len(spawner.SpawnCalls) != 2 {
		t.Fatalf("second HandleStart spawned again: %d calls", len(spawner.SpawnCalls))
	}
	_ = notify
}

func TestManagerReapStartDeliversOKDone(t *testing.T) {
	mgr, notify, _ := testManager(t)
	uid := currentUID()

	if _, err := mgr.HandleStart(5, uid); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	lgn := mgr.Registry.ByUID(uid)
	startPid := lgn.StartPid

	if err := mgr.Reap(startPid); err != nil {
		t.Fatalf("Reap(startPid): %v", err)
	}
	if lgn.StartPid != -1 {
		t.Fatal("expected StartPid cleared after reap")
	}
	if lgn.SrvWait {
		t.Fatal("expected SrvWait cleared, login now booted")
	}
	if !lgn.Booted() {
		t.Fatal("expected Booted() true after reapStart")
	}
	if len(notify.notified) != 1 {
		t.Fatalf("expected exactly one MSG_OK_DONE notification, got %d", len(notify.notified))
	}

	// A session attaching after boot should get an immediate OK_DONE path.
	word, err := mgr.HandleStart(7, uid)
	if err != nil {
		t.Fatalf("HandleStart after boot: %v", err)
	}
	if word != protocol.EncodeAux(dbusAux(mgr.Cfg), protocol.MsgOKDone) {
		t.Fatal("expected an immediate MSG_OK_DONE for a session attaching after boot")
	}
}

func TestManagerReapSrvBeforeReadyDropsLogin(t *testing.T) {
	mgr, notify, spawner := testManager(t)
	uid := currentUID()

	if _, err := mgr.HandleStart(5, uid); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	lgn := mgr.Registry.ByUID(uid)
	srvPid := lgn.SrvPid

	// Simulate the service manager dying before the boot helper reaped,
	// i.e. before SrvWait was cleared.
	if err := mgr.Reap(srvPid); err != nil {
		t.Fatalf("Reap(srvPid): %v", err)
	}
	if len(lgn.Sessions) != 0 {
		t.Fatal("expected DropLogin to have closed every session")
	}
	if !lgn.Repopulate {
		t.Fatal("expected Repopulate set after drop")
	}
	if len(notify.closed) != 1 {
		t.Fatalf("expected one session closed, got %d", len(notify.closed))
	}
	_ = spawner
}

func TestManagerTerminateSessionWithoutRunningServiceRemovesDir(t *testing.T) {
	mgr, notify, _ := testManager(t)
	uid := currentUID()

	lgn, err := mgr.Registry.Populate(uid)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Registry.AddSession(lgn, 9); err != nil {
		t.Fatal(err)
	}
	dirfd, err := mgr.Starter.Base.MakeLoginDir(uid, uint32(os.Getgid()))
	if err != nil {
		t.Fatalf("MakeLoginDir: %v", err)
	}
	lgn.DirFD = dirfd
	if err := unix.Mkdirat(dirfd, "dinit.0", 0700); err != nil {
		t.Fatalf("Mkdirat: %v", err)
	}

	mgr.TerminateSession(9)

	var st unix.Stat_t
	if err := unix.Fstatat(mgr.Starter.Base.FD(), fmt.Sprintf("%d", uid), &st, 0); err == nil {
		t.Fatal("expected the login dir to be removed")
	}

	if lgn.HasSession(9) {
		t.Fatal("expected session 9 removed")
	}
	if len(notify.closed) != 1 || notify.closed[0] != 9 {
		t.Fatalf("expected CloseConn(9), got %v", notify.closed)
	}
	if lgn.SrvWait != true {
		t.Fatal("beginStop should leave SrvWait true for the next start")
	}
}

func TestManagerTerminateSessionLingersSkipsStop(t *testing.T) {
	base, err := OpenBaseDir(t.TempDir(), "sock")
	if err != nil {
		t.Fatalf("OpenBaseDir: %v", err)
	}
	t.Cleanup(func() { base.Close() })

	cfg := &config.Config{Supervisor: config.SupervisorConfig{Backend: "dinit", Disable: true}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	notify := &fakeNotifier{}
	uid := currentUID()
	pw := fakePwent{entries: map[uint32]*PasswdEntry{
		uid: {UID: uid, GID: uid, Name: "tester", Homedir: os.TempDir()},
	}}
	reg := NewRegistry(cfg, pw, fakeLinger{lingering: map[string]bool{"tester": true}}, log)
	starter := NewStarter(base, &process.MockSpawner{}, cfg, nil)
	mgr := NewManager(reg, starter, cfg, notify, log)

	lgn, err := mgr.Registry.Populate(uid)
	if err != nil {
		t.Fatal(err)
	}
	lgn.SrvPid = 12345 // pretend a service manager is running
	if err := mgr.Registry.AddSession(lgn, 9); err != nil {
		t.Fatal(err)
	}

	mgr.TerminateSession(9)

	if lgn.SrvPid != 12345 {
		t.Fatal("lingering login must not have its service manager stopped")
	}
}

func TestManagerHandleAlarmFatalAfterRetry(t *testing.T) {
	mgr, _, _ := testManager(t)
	uid := currentUID()

	lgn, err := mgr.Registry.Populate(uid)
	if err != nil {
		t.Fatal(err)
	}
	lgn.TermPid = 999999 // unlikely to be a real pid; Kill errors are ignored
	lgn.ArmTimer(time.Hour, mgr.onAlarmFunc())

	if err := mgr.HandleAlarm(lgn.TimerKey); err != nil {
		t.Fatalf("first alarm should only retry: %v", err)
	}
	if !lgn.KillTried {
		t.Fatal("expected KillTried set after first escalation")
	}
	if !lgn.TimerArmed {
		t.Fatal("expected HandleAlarm to have re-armed the escalation timer")
	}

	// HandleAlarm re-armed its own 60s escalation timer; fire the second
	// round directly rather than arming over it (ArmTimer forbids
	// double-arming).
	if err := mgr.HandleAlarm(lgn.TimerKey); err == nil {
		t.Fatal("expected an error on the second alarm for a still-live term pid")
	}
}

func TestManagerHandleAlarmUnknownUIDIsNoop(t *testing.T) {
	mgr, _, _ := testManager(t)
	if err := mgr.HandleAlarm(999999); err != nil {
		t.Fatalf("alarm for an untracked uid should be a no-op: %v", err)
	}
}

func TestManagerDropLoginClearsSessions(t *testing.T) {
	mgr, notify, _ := testManager(t)
	uid := currentUID()

	lgn, err := mgr.Registry.Populate(uid)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Registry.AddSession(lgn, 3); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Registry.AddSession(lgn, 4); err != nil {
		t.Fatal(err)
	}

	if err := mgr.DropLogin(lgn); err != nil {
		t.Fatalf("DropLogin: %v", err)
	}
	if len(lgn.Sessions) != 0 {
		t.Fatal("expected all sessions removed")
	}
	if !lgn.Repopulate {
		t.Fatal("expected Repopulate set")
	}
	if len(notify.closed) != 2 {
		t.Fatalf("expected 2 sessions closed, got %d", len(notify.closed))
	}
}

func TestManagerLiveReflectsTrackedPids(t *testing.T) {
	mgr, _, _ := testManager(t)
	uid := currentUID()

	if mgr.Live() {
		t.Fatal("expected Live() false with no logins tracked")
	}

	lgn, err := mgr.Registry.Populate(uid)
	if err != nil {
		t.Fatal(err)
	}
	if mgr.Live() {
		t.Fatal("expected Live() false for a login with no running pids")
	}

	lgn.SrvPid = 42
	if !mgr.Live() {
		t.Fatal("expected Live() true once a login has a live SrvPid")
	}
}

func TestManagerShutdownClosesSessionsAndStops(t *testing.T) {
	mgr, notify, _ := testManager(t)
	uid := currentUID()

	lgn, err := mgr.Registry.Populate(uid)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Registry.AddSession(lgn, 11); err != nil {
		t.Fatal(err)
	}
	lgn.SrvPid = 12345

	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(lgn.Sessions) != 0 {
		t.Fatal("expected sessions cleared by shutdown")
	}
	if len(notify.closed) != 1 {
		t.Fatalf("expected session 11 closed, got %v", notify.closed)
	}
	if lgn.TermPid != 12345 {
		t.Fatal("expected beginStop to have moved SrvPid into TermPid")
	}
}

func TestManagerReapUnknownPidIsNoop(t *testing.T) {
	mgr, _, _ := testManager(t)
	if err := mgr.Reap(424242); err != nil {
		t.Fatalf("Reap on an untracked pid should be a no-op: %v", err)
	}
}
