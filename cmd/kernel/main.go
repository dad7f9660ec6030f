// Command kernel boots the teaching-kernel scheduler core as a
// standalone process, printing its tick-count stats on exit — the
// thread_print_stats-equivalent supplemented feature from SPEC_FULL.md.
//
// Grounded on dev/sg/main.go's cli.App shape (flags bound via
// Destination, a Before hook, context.Background() plumbed through
// RunContext) and enterprise/cmd/executor/internal/run/run.go's
// RunRun(cliCtx, logger, cfg) entrypoint signature.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/log"
	"github.com/urfave/cli/v2"

	"github.com/pintos-go/kernel/internal/kernel"
)

var (
	mlfqs     bool
	timerHz   int
	timeSlice int
)

var app = &cli.App{
	Name:  "kernel",
	Usage: "teaching-kernel thread scheduler and synchronization core",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:        "mlfqs",
			Usage:       "use the multi-level feedback queue scheduler instead of strict priority with donation",
			Destination: &mlfqs,
		},
		&cli.IntFlag{
			Name:        "timer-hz",
			Usage:       "timer tick frequency in Hz",
			Value:       100,
			Destination: &timerHz,
		},
		&cli.IntFlag{
			Name:        "time-slice",
			Usage:       "ticks per time slice before preemption",
			Value:       4,
			Destination: &timeSlice,
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "run",
			Usage: "boot the kernel and run until interrupted",
			Action: func(cliCtx *cli.Context) error {
				return runBoot(cliCtx.Context)
			},
		},
		{
			Name:  "stats",
			Usage: "boot the kernel, let it idle briefly, then print tick stats",
			Action: func(cliCtx *cli.Context) error {
				return runStats(cliCtx.Context)
			},
		},
	},
	Action: func(cliCtx *cli.Context) error {
		return runBoot(cliCtx.Context)
	},
}

func main() {
	logger := log.Scoped("kernel-cli", "kernel command-line entrypoint")
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		logger.Fatal("kernel exited with error", log.Error(err))
	}
}

func runBoot(ctx context.Context) error {
	k, err := kernel.Boot(kernel.Config{MLFQS: mlfqs, TimerHz: timerHz, TimeSlice: timeSlice})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return k.Shutdown()
}

func runStats(ctx context.Context) error {
	k, err := kernel.Boot(kernel.Config{MLFQS: mlfqs, TimerHz: timerHz, TimeSlice: timeSlice})
	if err != nil {
		return err
	}

	k.Timer.Sleep(10) // block for 10 ticks so the idle thread runs and accumulates ticks

	stats := k.Stats()
	fmt.Printf("idle=%d kernel=%d user=%d\n", stats.IdleTicks, stats.KernelTicks, stats.UserTicks)

	return k.Shutdown()
}
