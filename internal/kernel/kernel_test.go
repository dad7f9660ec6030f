package kernel

import (
	"testing"
	"time"

	"github.com/derision-test/glock"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pintos-go/kernel/internal/process"
	"github.com/pintos-go/kernel/internal/scheduler"
	"github.com/pintos-go/kernel/internal/thread"
)

// newTestConfig returns a Config with its own metrics registry (never
// the shared prometheus.DefaultRegisterer, which would panic on a
// second Boot in the same test binary with duplicate metric names) and
// a mock clock the test drives explicitly.
func newTestConfig() Config {
	return Config{
		TimerHz:    10,
		Clock:      glock.NewMockClock(),
		Registerer: prometheus.NewRegistry(),
	}
}

func TestBootWiresARunningKernel(t *testing.T) {
	k, err := Boot(newTestConfig())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })

	if k.Sched == nil || k.Timer == nil || k.Procs == nil || k.Gateway == nil || k.Metrics == nil {
		t.Fatal("Boot returned a kernel with an unwired component")
	}

	if got := k.Sched.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount right after Boot = %d, want 1 (just the booting goroutine)", got)
	}

	if diff := cmp.Diff(scheduler.Stats{}, k.Stats()); diff != "" {
		t.Fatalf("Stats() right after Boot differs from a zero tick count (-want +got):\n%s", diff)
	}
}

func TestBootDefaultLoaderFailsForEveryProgram(t *testing.T) {
	k, err := Boot(newTestConfig())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })

	if _, err := k.Procs.ExecuteSync("anything"); err != process.ErrLoadFailed {
		t.Fatalf("ExecuteSync with the default loader = %v, want ErrLoadFailed", err)
	}
}

func TestBootHonorsCustomLoader(t *testing.T) {
	cfg := newTestConfig()
	cfg.Loader = func(name string) (thread.Func, error) {
		return func(any) {}, nil
	}

	k, err := Boot(cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })

	tid, err := k.Procs.ExecuteSync("prog")
	if err != nil {
		t.Fatalf("ExecuteSync: %v", err)
	}
	if tid <= 0 {
		t.Fatalf("ExecuteSync tid = %d, want positive", tid)
	}
}

func TestTimerDriverAdvancesAfterBoot(t *testing.T) {
	cfg := newTestConfig()
	clock := cfg.Clock.(glock.MockClock)

	k, err := Boot(cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })

	interval := time.Second / time.Duration(cfg.TimerHz)
	for i := 0; i < 3; i++ {
		clock.BlockingAdvance(interval)
	}

	if got := k.Timer.Ticks(); got != 3 {
		t.Fatalf("Timer.Ticks() = %d, want 3", got)
	}
}

func TestShutdownStopsTheBackgroundTickLoop(t *testing.T) {
	k, err := Boot(newTestConfig())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if err := k.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestMLFQSConfigSelectsMLFQSPolicy(t *testing.T) {
	cfg := newTestConfig()
	cfg.MLFQS = true

	k, err := Boot(cfg)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { k.Shutdown() })

	if !k.Sched.Policy().MLFQS() {
		t.Fatal("Boot with MLFQS: true did not select the MLFQS policy")
	}
}
