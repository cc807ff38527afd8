package login

import "testing"

func TestNewLoginSentinels(t *testing.T) {
	l := NewLogin(1000, 1000)
	if l.SrvPid != -1 || l.StartPid != -1 || l.TermPid != -1 {
		t.Fatal("expected all PID fields to start at -1")
	}
	if l.DirFD != -1 || l.Userpipe != -1 {
		t.Fatal("expected all descriptor fields to start at -1")
	}
	if l.TimerKey != 1000 {
		t.Fatalf("TimerKey = %d, want 1000", l.TimerKey)
	}
	if l.Booted() {
		t.Fatal("a freshly created login must not report Booted before Start has ever run")
	}
}

func TestLoginSessionLifecycle(t *testing.T) {
	l := NewLogin(1000, 1000)
	if l.HasSession(5) {
		t.Fatal("unexpected session on fresh login")
	}
	l.Sessions = append(l.Sessions, Session{FD: 5})
	if !l.HasSession(5) {
		t.Fatal("expected session 5 to be present")
	}
	if l.RemoveSession(6) {
		t.Fatal("removing an absent session should report false")
	}
	if !l.RemoveSession(5) {
		t.Fatal("removing session 5 should report true")
	}
	if l.HasSession(5) {
		t.Fatal("session 5 should be gone")
	}
}

func TestLoginBooted(t *testing.T) {
	l := NewLogin(1000, 1000)
	l.SrvWait = true
	if l.Booted() {
		t.Fatal("SrvWait=true means not yet booted")
	}
	l.SrvWait = false
	if !l.Booted() {
		t.Fatal("SrvWait=false means booted")
	}
}

func TestCloseDirFDIdempotent(t *testing.T) {
	l := NewLogin(1000, 1000)
	l.CloseDirFD()
	if l.DirFD != -1 {
		t.Fatal("CloseDirFD on an already-closed descriptor should stay -1")
	}
}

func TestCloseUserpipeIdempotent(t *testing.T) {
	l := NewLogin(1000, 1000)
	l.CloseUserpipe()
	if l.Userpipe != -1 {
		t.Fatal("CloseUserpipe on an already-closed descriptor should stay -1")
	}
}
