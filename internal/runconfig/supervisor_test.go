package runconfig

import (
	"sync"
	"testing"
	"time"

	"agentdeck/internal/fault"
	"agentdeck/internal/proc"
)

// fakeRun scripts one supervised process.
type fakeRun struct {
	output chan []byte
	exit   chan proc.ExitStatus

	stopOnce sync.Once
}

func newFakeRun() *fakeRun {
	return &fakeRun{
		output: make(chan []byte, 64),
		exit:   make(chan proc.ExitStatus, 1),
	}
}

func (f *fakeRun) Output() <-chan []byte        { return f.output }
func (f *fakeRun) Exit() <-chan proc.ExitStatus { return f.exit }
func (f *fakeRun) PID() int                     { return 555 }

func (f *fakeRun) Stop(grace time.Duration) {
	f.stopOnce.Do(func() {
		close(f.output)
		f.exit <- proc.ExitStatus{Code: 0}
		close(f.exit)
	})
}

func (f *fakeRun) crash(code int) {
	f.stopOnce.Do(func() {
		close(f.output)
		f.exit <- proc.ExitStatus{Code: code}
		close(f.exit)
	})
}

// scriptedLauncher hands out fakes in order and records launch specs.
type scriptedLauncher struct {
	mu    sync.Mutex
	fakes []*fakeRun
	specs []proc.Spec
}

func (sl *scriptedLauncher) launch(spec proc.Spec) (Process, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.specs) >= len(sl.fakes) {
		panic("unexpected launch")
	}
	p := sl.fakes[len(sl.specs)]
	sl.specs = append(sl.specs, spec)
	return p, nil
}

func (sl *scriptedLauncher) launchCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.specs)
}

func (sl *scriptedLauncher) spec(i int) proc.Spec {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.specs[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSupervisor(sl *scriptedLauncher, configs ...RunConfig) *Supervisor {
	reg := NewRegistry()
	for _, cfg := range configs {
		if err := reg.Put(cfg); err != nil {
			panic(err)
		}
	}
	return NewSupervisor(Options{Registry: reg, Launch: sl.launch})
}

func TestSupervisor_StartUnknownConfig(t *testing.T) {
	sv := newTestSupervisor(&scriptedLauncher{})
	err := sv.Start("nope", "")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSupervisor_OccupiedSlotConflict(t *testing.T) {
	sl := &scriptedLauncher{fakes: []*fakeRun{newFakeRun()}}
	sv := newTestSupervisor(sl, RunConfig{ID: "dev", ProjectID: "p1", Command: "sleep"})

	if err := sv.Start("dev", ""); err != nil {
		t.Fatal(err)
	}
	err := sv.Start("dev", "")
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	sl := &scriptedLauncher{fakes: []*fakeRun{newFakeRun()}}
	sv := newTestSupervisor(sl, RunConfig{ID: "dev", ProjectID: "p1", Command: "sleep"})

	if err := sv.Stop("dev"); err != nil {
		t.Fatalf("stop of never-started instance should succeed, got %v", err)
	}

	sv.Start("dev", "")
	if err := sv.Stop("dev"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stopped", func() bool {
		st, ok := sv.Status("dev")
		return ok && st.State == StateStopped
	})
	if err := sv.Stop("dev"); err != nil {
		t.Fatalf("second stop should succeed, got %v", err)
	}
}

func TestSupervisor_ExplicitStopDoesNotRestart(t *testing.T) {
	sl := &scriptedLauncher{fakes: []*fakeRun{newFakeRun()}}
	sv := newTestSupervisor(sl, RunConfig{
		ID: "dev", ProjectID: "p1", Command: "sleep",
		AutoRestart: true, AutoRestartDelayMs: 1,
	})

	sv.Start("dev", "")
	sv.Stop("dev")

	waitFor(t, "stopped", func() bool {
		st, _ := sv.Status("dev")
		return st.State == StateStopped
	})
	time.Sleep(50 * time.Millisecond)
	if sl.launchCount() != 1 {
		t.Errorf("explicit stop must not trigger a restart, got %d launches", sl.launchCount())
	}
	st, _ := sv.Status("dev")
	if st.RestartCount != 0 {
		t.Errorf("explicit stop resets the counter, got %d", st.RestartCount)
	}
}

func TestSupervisor_StopDuringRestartWindowLandsOnStopped(t *testing.T) {
	f := newFakeRun()
	sl := &scriptedLauncher{fakes: []*fakeRun{f, newFakeRun()}}
	sv := newTestSupervisor(sl, RunConfig{
		ID: "dev", ProjectID: "p1", Command: "serve",
		AutoRestart: true, AutoRestartDelayMs: 60_000,
	})

	sv.Start("dev", "")
	f.crash(1)
	waitFor(t, "restart pending", func() bool {
		st, _ := sv.Status("dev")
		return st.State == StateStarting
	})

	if err := sv.Stop("dev"); err != nil {
		t.Fatal(err)
	}
	st, _ := sv.Status("dev")
	if st.State != StateStopped {
		t.Fatalf("stop during the restart window must land on stopped, got %s", st.State)
	}
	if st.RestartCount != 0 {
		t.Errorf("explicit stop resets the counter, got %d", st.RestartCount)
	}

	// The slot is free again.
	if err := sv.Start("dev", ""); err != nil {
		t.Fatalf("restart after stop must succeed, got %v", err)
	}
	if sl.launchCount() != 2 {
		t.Errorf("expected 2 launches (initial + fresh start), got %d", sl.launchCount())
	}
}

func TestSupervisor_RestartBudgetExactlyN(t *testing.T) {
	// 1 initial launch + exactly 2 relaunches, then errored.
	fakes := []*fakeRun{newFakeRun(), newFakeRun(), newFakeRun()}
	sl := &scriptedLauncher{fakes: fakes}
	sv := newTestSupervisor(sl, RunConfig{
		ID: "flaky", ProjectID: "p1", Command: "serve",
		AutoRestart: true, AutoRestartDelayMs: 1, AutoRestartMaxRetries: 2,
	})

	sv.Start("flaky", "")

	fakes[0].crash(1)
	waitFor(t, "first relaunch", func() bool { return sl.launchCount() == 2 })

	fakes[1].crash(1)
	waitFor(t, "second relaunch", func() bool { return sl.launchCount() == 3 })

	fakes[2].crash(1)
	waitFor(t, "errored after budget", func() bool {
		st, _ := sv.Status("flaky")
		return st.State == StateErrored
	})

	time.Sleep(50 * time.Millisecond)
	if sl.launchCount() != 3 {
		t.Errorf("expected exactly 3 launches, got %d", sl.launchCount())
	}
	st, _ := sv.Status("flaky")
	if st.RestartCount != 2 {
		t.Errorf("expected restart count 2, got %d", st.RestartCount)
	}
	if st.LastExitCode != 1 {
		t.Errorf("expected last exit code 1, got %d", st.LastExitCode)
	}
}

func TestSupervisor_NoAutoRestartGoesErrored(t *testing.T) {
	f := newFakeRun()
	sl := &scriptedLauncher{fakes: []*fakeRun{f}}
	sv := newTestSupervisor(sl, RunConfig{ID: "once", ProjectID: "p1", Command: "task"})

	sv.Start("once", "")
	f.crash(3)

	waitFor(t, "errored", func() bool {
		st, _ := sv.Status("once")
		return st.State == StateErrored
	})
	st, _ := sv.Status("once")
	if st.LastExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", st.LastExitCode)
	}
	if sl.launchCount() != 1 {
		t.Errorf("expected no relaunch, got %d launches", sl.launchCount())
	}
}

func TestSupervisor_PreLaunchChainStartsDependencyFirst(t *testing.T) {
	sl := &scriptedLauncher{fakes: []*fakeRun{newFakeRun(), newFakeRun()}}
	sv := newTestSupervisor(sl,
		RunConfig{ID: "db", ProjectID: "p1", Command: "postgres"},
		RunConfig{ID: "api", ProjectID: "p1", Command: "server", PreLaunchConfigID: "db"},
	)

	if err := sv.Start("api", ""); err != nil {
		t.Fatal(err)
	}
	if sl.launchCount() != 2 {
		t.Fatalf("expected 2 launches, got %d", sl.launchCount())
	}
	if sl.spec(0).Command != "postgres" || sl.spec(1).Command != "server" {
		t.Errorf("dependency must launch first: %v, %v", sl.spec(0).Command, sl.spec(1).Command)
	}
}

func TestSupervisor_PreLaunchSkipsLiveDependency(t *testing.T) {
	sl := &scriptedLauncher{fakes: []*fakeRun{newFakeRun(), newFakeRun()}}
	sv := newTestSupervisor(sl,
		RunConfig{ID: "db", ProjectID: "p1", Command: "postgres"},
		RunConfig{ID: "api", ProjectID: "p1", Command: "server", PreLaunchConfigID: "db"},
	)

	sv.Start("db", "")
	if err := sv.Start("api", ""); err != nil {
		t.Fatalf("live dependency must not conflict, got %v", err)
	}
	if sl.launchCount() != 2 {
		t.Errorf("dependency already live, expected 2 launches total, got %d", sl.launchCount())
	}
}

func TestSupervisor_PreLaunchCycleFailsFast(t *testing.T) {
	sl := &scriptedLauncher{}
	sv := newTestSupervisor(sl,
		RunConfig{ID: "a", ProjectID: "p1", Command: "a", PreLaunchConfigID: "b"},
		RunConfig{ID: "b", ProjectID: "p1", Command: "b", PreLaunchConfigID: "a"},
	)

	err := sv.Start("a", "")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation error for cycle, got %v", err)
	}
	if sl.launchCount() != 0 {
		t.Errorf("nothing may launch when the chain is invalid, got %d", sl.launchCount())
	}
}

func TestSupervisor_ShellWrapsCommand(t *testing.T) {
	sl := &scriptedLauncher{fakes: []*fakeRun{newFakeRun()}}
	sv := newTestSupervisor(sl, RunConfig{
		ID: "dev", ProjectID: "p1", Command: "npm run dev | tee log", Shell: true,
	})

	sv.Start("dev", "")
	spec := sl.spec(0)
	if spec.Command != "sh" || len(spec.Args) != 2 || spec.Args[0] != "-c" {
		t.Errorf("shell config must run through sh -c, got %v %v", spec.Command, spec.Args)
	}
}

func TestSupervisor_ProjectPathUsedWhenCwdUnset(t *testing.T) {
	sl := &scriptedLauncher{fakes: []*fakeRun{newFakeRun(), newFakeRun()}}
	sv := newTestSupervisor(sl,
		RunConfig{ID: "dev", ProjectID: "p1", Command: "npm"},
		RunConfig{ID: "pinned", ProjectID: "p1", Command: "npm", Cwd: "/srv/app"},
	)

	sv.Start("dev", "/home/me/proj")
	if got := sl.spec(0).Dir; got != "/home/me/proj" {
		t.Errorf("expected project path as cwd, got %q", got)
	}

	sv.Start("pinned", "/home/me/proj")
	if got := sl.spec(1).Dir; got != "/srv/app" {
		t.Errorf("pinned cwd must win over project path, got %q", got)
	}
}

func TestSupervisor_ScrollbackRetainsRecentOutput(t *testing.T) {
	f := newFakeRun()
	sl := &scriptedLauncher{fakes: []*fakeRun{f}}
	sv := newTestSupervisor(sl, RunConfig{ID: "dev", ProjectID: "p1", Command: "serve"})

	sv.Start("dev", "")
	f.output <- []byte("line one\n")
	f.output <- []byte("line two\n")

	waitFor(t, "scrollback", func() bool { return len(sv.Scrollback("dev")) == 2 })
	chunks := sv.Scrollback("dev")
	if chunks[0] != "line one\n" || chunks[1] != "line two\n" {
		t.Errorf("unexpected scrollback: %q", chunks)
	}
}

func TestRingBuffer_WrapsOldestFirst(t *testing.T) {
	rb := newRingBuffer(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		rb.write(s)
	}
	got := rb.readAll()
	if len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Errorf("unexpected ring contents: %q", got)
	}
}

func TestRegistry_ValidatesConfig(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Put(RunConfig{ID: "", Command: "x"}); !fault.IsKind(err, fault.Validation) {
		t.Errorf("missing id must fail, got %v", err)
	}
	if err := reg.Put(RunConfig{ID: "x"}); !fault.IsKind(err, fault.Validation) {
		t.Errorf("missing command must fail, got %v", err)
	}
}
