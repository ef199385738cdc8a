// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command nvmesim brings the driver core up against the in-memory controller
// model and prints the resulting resource map. It exists to exercise the
// bring-up and shutdown paths end to end without hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	zapcore "go.uber.org/zap"

	"github.com/antimetal/nvme/internal/ctrlsim"
	"github.com/antimetal/nvme/pkg/config"
	"github.com/antimetal/nvme/pkg/controller"
)

var (
	setupLog logr.Logger

	// CLI Options
	cores       uint
	nodes       uint
	vectors     uint
	namespaces  uint
	queuePairs  uint
	sharedAddr  bool
	dump        bool
	configPath  string
	development bool
)

func init() {
	flag.UintVar(&cores, "cores", 4, "Number of logical cores the platform reports")
	flag.UintVar(&nodes, "numa-nodes", 1, "Number of NUMA nodes the cores are spread over")
	flag.UintVar(&vectors, "vectors", 8, "Number of MSI-X vectors the platform grants; 0 forces INTx")
	flag.UintVar(&namespaces, "namespaces", 1, "Number of namespaces the controller reports")
	flag.UintVar(&queuePairs, "queue-pairs", 0, "Queue pairs the controller grants; 0 grants whatever is requested")
	flag.BoolVar(&sharedAddr, "shared-msi-address", false,
		"Give every vector the same message address, which reads as MSI instead of MSI-X")
	flag.BoolVar(&dump, "dump", false, "Bring up on the crash-dump path: one shared queue pair")
	flag.StringVar(&configPath, "config", "", "Optional YAML tunables profile")
	flag.BoolVar(&development, "dev-logging", true, "Use development logger output")
	flag.Parse()

	var zapLog *zapcore.Logger
	var err error
	if development {
		zapLog, err = zapcore.NewDevelopment()
	} else {
		zapLog, err = zapcore.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	setupLog = zapr.NewLogger(zapLog).WithName("setup")
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cores == 0 || cores > 64 {
		setupLog.Error(nil, "cores must be between 1 and 64", "cores", cores)
		return 1
	}
	if nodes == 0 {
		nodes = 1
	}

	values := map[string]uint32{}
	if configPath != "" {
		tun := config.Defaults()
		if err := tun.LoadFile(configPath); err != nil {
			setupLog.Error(err, "unable to load tunables profile", "path", configPath)
			return 1
		}
		// Profile values flow through the same platform key-value path a
		// registry read would take on hardware.
		values[config.KeyNamespaces] = tun.Namespaces
		values[config.KeyMaxTxSize] = tun.MaxTxSize
		values[config.KeyAdQueueEntries] = tun.AdQueueEntries
		values[config.KeyIoQueueEntries] = tun.IoQueueEntries
		values[config.KeyIntCoalescingTime] = tun.IntCoalescingTime
		values[config.KeyIntCoalescingEntry] = tun.IntCoalescingEntry
	}

	sim := ctrlsim.New(ctrlsim.Config{
		Nodes:             splitCores(uint16(cores), uint16(nodes)),
		Namespaces:        makeNamespaces(int(namespaces)),
		VectorsGranted:    uint32(vectors),
		SharedAddress:     sharedAddr,
		QueuePairsGranted: uint16(queuePairs),
		ConfigValues:      values,
	})
	defer sim.Close()

	ctrl, err := controller.New(sim, controller.Options{Dump: dump}, setupLog)
	if err != nil {
		setupLog.Error(err, "controller construction failed")
		return 1
	}
	if err := ctrl.Start(ctx); err != nil {
		setupLog.Error(err, "bring-up failed", "state", ctrl.State().String())
		return 1
	}

	printSummary(ctrl)

	if err := ctrl.Shutdown(ctx); err != nil {
		setupLog.Error(err, "shutdown failed")
		return 1
	}
	if live := sim.LiveAllocations(); live != 0 {
		setupLog.Error(nil, "allocations leaked across shutdown", "count", live)
		return 1
	}
	return 0
}

// splitCores spreads the requested cores evenly over the NUMA nodes.
func splitCores(cores, nodes uint16) []ctrlsim.NodeConfig {
	if nodes > cores {
		nodes = cores
	}
	out := make([]ctrlsim.NodeConfig, nodes)
	per := int(cores) / int(nodes)
	extra := int(cores) % int(nodes)
	bit := 0
	for i := range out {
		n := per
		if i < extra {
			n++
		}
		var mask uint64
		for j := 0; j < n; j++ {
			mask |= 1 << (bit + j)
		}
		bit += n
		out[i] = ctrlsim.NodeConfig{Group: 0, Mask: mask}
	}
	return out
}

func makeNamespaces(n int) []ctrlsim.NamespaceConfig {
	out := make([]ctrlsim.NamespaceConfig, n)
	for i := range out {
		out[i] = ctrlsim.NamespaceConfig{Blocks: 1 << 20, Overwriteable: true}
	}
	return out
}

func printSummary(ctrl *controller.Controller) {
	rmt := ctrl.ResourceMap()
	qs := ctrl.Queues()
	ident := ctrl.Identify()

	fmt.Printf("controller: %s (%s)\n",
		trim(ident.ModelNumber[:]), trim(ident.SerialNumber[:]))
	fmt.Printf("interrupts: %s, %d vector(s) granted\n", rmt.Kind, rmt.MsgGranted)
	fmt.Printf("queues:     %d pair(s) created, %d entries each\n",
		qs.NumSubCreated, qs.NumIoEntriesAllocated)
	fmt.Printf("luns:       %d visible\n", ctrl.VisibleLuns())
	fmt.Println()
	fmt.Println("core  node  sq  cq  vector")
	for _, ct := range rmt.ActiveCores() {
		fmt.Printf("%4d  %4d  %2d  %2d  %6d\n",
			ct.Core, ct.NumaNode, ct.SubQueue, ct.CplQueue, ct.MsgID)
	}
	fmt.Println()
	fmt.Println("transitions:")
	for _, tr := range ctrl.Transitions() {
		fmt.Printf("  %-20s -> %s\n", tr.From, tr.To)
	}
}

func trim(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}
