// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/godbus/dbus/v5"
	zapcore "go.uber.org/zap"

	"github.com/storaged-project/udisks-sub005/internal/busexport"
	"github.com/storaged-project/udisks-sub005/internal/coordinator"
	"github.com/storaged-project/udisks-sub005/internal/daemonlife"
	"github.com/storaged-project/udisks-sub005/pkg/device"
	"github.com/storaged-project/udisks-sub005/pkg/gateway"
	"github.com/storaged-project/udisks-sub005/pkg/jobs"
	"github.com/storaged-project/udisks-sub005/pkg/ledger"
	"github.com/storaged-project/udisks-sub005/pkg/mountinfo"
	"github.com/storaged-project/udisks-sub005/pkg/objectgraph"
	"github.com/storaged-project/udisks-sub005/pkg/policy"
	"github.com/storaged-project/udisks-sub005/pkg/vg"
)

// CLI options, following the teacher's package-level-var-plus-init()
// convention (cmd/main.go) rather than a parsed-into-struct flag
// library.
var (
	sysPath           string
	devPath           string
	procPath          string
	ledgerDir         string
	initiatorNamePath string
	workerPoolSize    int
	jsonLogs          bool
	verbose           bool
	forceLoadModules  bool
)

func init() {
	flag.StringVar(&sysPath, "sys-path", "/sys", "Root of the sysfs mount")
	flag.StringVar(&devPath, "dev-path", "/dev", "Root of the device-node tree")
	flag.StringVar(&procPath, "proc-path", "/proc", "Root used for mountinfo/swaps")
	flag.StringVar(&ledgerDir, "ledger-dir", "/var/lib/storaged/ledger", "Cleanup Ledger persistence directory")
	flag.StringVar(&initiatorNamePath, "iscsi-initiator-name-file", "/etc/iscsi/initiatorname.iscsi",
		"Path to the iSCSI initiator-name file")
	flag.IntVar(&workerPoolSize, "worker-pool-size", 8, "Threaded Job worker-pool size")
	flag.BoolVar(&jsonLogs, "json-logs", true, "Emit JSON-encoded logs instead of console-formatted ones")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug-level logging")
	flag.BoolVar(&forceLoadModules, "force-load-modules", false,
		"Force-load loop/dm-crypt/md-mod kernel modules at startup (spec §6 \"Environment\")")
}

// fixedSafePath is substituted for PATH when the environment does not
// set one (spec §6 "PATH is set to a fixed safe default if unset").
const fixedSafePath = "/usr/sbin:/usr/bin:/sbin:/bin"

func normalizeEnvironment() {
	if os.Getenv("PATH") == "" {
		os.Setenv("PATH", fixedSafePath)
	}
}

// loadModules force-loads the kernel modules the daemon's subsystems
// depend on, best-effort (a running kernel may already have them
// built in, in which case modprobe exits non-zero for a reason that
// isn't actionable here).
func loadModules(logger logr.Logger) {
	for _, mod := range []string{"loop", "dm-crypt", "md-mod"} {
		if err := exec.Command("modprobe", mod).Run(); err != nil {
			logger.V(1).Info("modprobe failed, continuing", "module", mod, "error", err.Error())
		}
	}
}

func newLogger() logr.Logger {
	var zapLog *zapcore.Logger
	var err error
	if jsonLogs {
		cfg := zapcore.NewProductionConfig()
		if verbose {
			cfg.Level = zapcore.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, buildErr := cfg.Build()
		zapLog, err = l, buildErr
	} else {
		l, buildErr := zapcore.NewDevelopment()
		zapLog, err = l, buildErr
	}
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zapLog)
}

func main() {
	flag.Parse()
	normalizeEnvironment()

	logger := newLogger()
	setupLog := logger.WithName("setup")

	if forceLoadModules {
		loadModules(setupLog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	graph, err := objectgraph.New(logger)
	if err != nil {
		setupLog.Error(err, "failed to build object graph")
		os.Exit(1)
	}
	defer graph.Close()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		setupLog.Error(err, "failed to connect to the system bus")
		os.Exit(1)
	}
	defer conn.Close()

	reply, err := conn.RequestName(busexport.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		setupLog.Error(err, "failed to request bus name", "name", busexport.BusName)
		os.Exit(1)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		setupLog.Error(fmt.Errorf("name already owned"), "bus name unavailable", "name", busexport.BusName)
		os.Exit(1)
	}

	pub := busexport.NewPublisher(conn, logger, graph)

	oracle, err := policy.NewPolkitOracle()
	if err != nil {
		setupLog.Error(err, "failed to build policy oracle")
		os.Exit(1)
	}
	defer oracle.Close()

	gw := gateway.New(logger, initiatorNamePath)
	pool := jobs.NewPool(logger, workerPoolSize)
	defer pool.Close()

	store, err := ledger.Open(ledgerDir)
	if err != nil {
		setupLog.Error(err, "failed to open cleanup ledger", "dir", ledgerDir)
		os.Exit(1)
	}

	deps := busexport.Deps{
		Graph:   graph,
		Pool:    pool,
		Gateway: gw,
		Policy:  oracle,
		Ledger:  store,
	}

	// The Manager object is the resolution target for daemon-level
	// methods (iSCSI Login/Logout/Discover, LoopSetup) that act before
	// the Objects they create exist (spec §4.9).
	graph.Upsert(objectgraph.KindManager, objectgraph.ManagerKey, struct{}{})

	if err := busexport.PublishISCSIManager(pub, deps); err != nil {
		setupLog.Error(err, "failed to publish iSCSI Manager interface")
		os.Exit(1)
	}
	if err := busexport.PublishManager(pub, deps); err != nil {
		setupLog.Error(err, "failed to publish Manager interface")
		os.Exit(1)
	}

	coord := coordinator.New(logger, graph, pub, deps, sysPath)
	coord.SetLVMProbeFunc(vg.NewProbe(gw))

	// Run is the sole goroutine that ever mutates Coordinator state
	// (spec §5's single dispatcher); it must be pumping before any
	// HandleDeviceEvent/HandleMountEvent/ledger.DeviceChecker call,
	// including the synchronous cold-plug calls below, or dispatch
	// would block forever.
	go coord.Run(ctx)

	ledgerWorker := ledger.NewWorker(logger, store, coord)
	go func() {
		if err := ledgerWorker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error(err, "ledger worker exited")
		}
	}()

	mountObserver := mountinfo.New(logger, procPath)
	initialMounts, err := mountObserver.Reload()
	if err != nil {
		setupLog.Error(err, "failed initial mountinfo read")
		os.Exit(1)
	}
	for _, ev := range initialMounts {
		coord.HandleMountEvent(ev)
	}

	mountStop := make(chan struct{})
	mountEvents := make(chan []mountinfo.Event, 1)
	go func() {
		if err := mountObserver.Run(mountStop, mountEvents); err != nil {
			logger.Error(err, "mount observer exited")
		}
	}()
	go func() {
		for {
			select {
			case evs := <-mountEvents:
				for _, ev := range evs {
					coord.HandleMountEvent(ev)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	deviceSource := device.NewUdevSource(logger, sysPath, devPath)
	coldPlugEvents, err := deviceSource.ColdPlug(ctx)
	if err != nil {
		setupLog.Error(err, "failed device cold-plug enumeration")
		os.Exit(1)
	}
	for _, ev := range coldPlugEvents {
		coord.HandleDeviceEvent(ctx, ev)
	}
	if err := coord.LVMProbe().ColdPlug(ctx); err != nil {
		setupLog.Error(err, "failed LVM cold-plug probe", "error", err.Error())
	}

	deviceEvents, err := deviceSource.Run(ctx)
	if err != nil {
		setupLog.Error(err, "failed to start device hot-plug stream")
		os.Exit(1)
	}
	go func() {
		for {
			select {
			case ev, ok := <-deviceEvents:
				if !ok {
					return
				}
				coord.HandleDeviceEvent(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	notifier := daemonlife.New(os.Getenv("NOTIFY_SOCKET") != "")
	notifier.Ready()
	notifier.Status("running")
	stopWatchdog := notifier.Watchdog(ctx, logger)
	defer stopWatchdog()

	logger.Info("storaged started", "bus-name", busexport.BusName)

	<-ctx.Done()
	notifier.Stopping()
	close(mountStop)
	logger.Info("storaged shutting down")
}
