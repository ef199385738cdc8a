// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package controller_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/nvme/internal/ctrlsim"
	"github.com/antimetal/nvme/pkg/controller"
	"github.com/antimetal/nvme/pkg/errors"
	"github.com/antimetal/nvme/pkg/nvme"
	"github.com/antimetal/nvme/pkg/queue"
	"github.com/antimetal/nvme/pkg/topology"
)

func startController(t *testing.T, cfg ctrlsim.Config, opts controller.Options) (*ctrlsim.Sim, *controller.Controller) {
	t.Helper()
	sim := ctrlsim.New(cfg)
	t.Cleanup(func() { sim.Close() })
	ctrl, err := controller.New(sim, opts, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, controller.StateStartComplete, ctrl.State())
	return sim, ctrl
}

func checkCounters(t *testing.T, qs *queue.QueueSet) {
	t.Helper()
	assert.LessOrEqual(t, qs.NumSubCreated, qs.NumSubAllocated)
	assert.LessOrEqual(t, qs.NumSubAllocated, qs.NumSubAllocFromAdapter)
	assert.LessOrEqual(t, qs.NumCplCreated, qs.NumCplAllocated)
	assert.LessOrEqual(t, qs.NumCplAllocated, qs.NumCplAllocFromAdapter)
}

func TestBringUpSingleCoreINTx(t *testing.T) {
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x1}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 1024, Overwriteable: true}},
		VectorsGranted: 0,
	}, controller.Options{})

	rmt := ctrl.ResourceMap()
	assert.Equal(t, topology.IntKindINTx, rmt.Kind)
	require.Len(t, rmt.Vectors, 1)
	assert.True(t, rmt.Vectors[0].Shared)

	qs := ctrl.Queues()
	assert.Equal(t, uint16(1), qs.NumSubCreated)
	assert.Equal(t, uint16(1), qs.NumCplCreated)
	checkCounters(t, qs)

	cores := rmt.ActiveCores()
	require.Len(t, cores, 1)
	assert.Equal(t, uint16(1), cores[0].SubQueue)
	assert.Equal(t, uint16(1), cores[0].CplQueue)

	assert.Equal(t, uint32(1), ctrl.VisibleLuns())
	assert.Equal(t, uint64(1024), ctrl.Luns()[0].Ident.Nsze)
}

func TestBringUpMSIXWithLearning(t *testing.T) {
	// The platform routes each configured vector to its neighbor; learning
	// must discover the permutation.
	routing := map[uint16]uint16{1: 2, 2: 3, 3: 4, 4: 1}
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes: []ctrlsim.NodeConfig{{Group: 0, Mask: 0xF}},
		Namespaces: []ctrlsim.NamespaceConfig{
			{Blocks: 1 << 20, Overwriteable: true},
			{Blocks: 1 << 16, Overwriteable: true},
		},
		VectorsGranted: 8,
		VectorRouting:  routing,
	}, controller.Options{})

	rmt := ctrl.ResourceMap()
	assert.Equal(t, topology.IntKindMSIX, rmt.Kind)

	qs := ctrl.Queues()
	assert.Equal(t, uint16(4), qs.NumSubCreated)
	assert.Equal(t, uint16(4), qs.NumCplCreated)
	checkCounters(t, qs)

	for i, ct := range rmt.ActiveCores() {
		qid := uint16(i) + 1
		assert.Equal(t, qid, ct.SubQueue)
		// Learning rewrote the provisional identity mapping.
		assert.Equal(t, routing[qid], ct.MsgID, "core %d", ct.Core)
		assert.Equal(t, ct.Core, rmt.Vectors[ct.MsgID].Core)
	}

	assert.Equal(t, uint32(2), ctrl.VisibleLuns())
	for _, lun := range ctrl.Luns()[:2] {
		assert.Equal(t, controller.LunOnline, lun.Status)
		assert.False(t, lun.ReadOnly)
	}

	// The rebuild deleted and recreated every completion queue.
	var sawResetup bool
	for _, tr := range ctrl.Transitions() {
		if tr.To == controller.StateWaitOnReSetupQueues {
			sawResetup = true
		}
	}
	assert.True(t, sawResetup)
}

func TestBringUpShortVectorGrant(t *testing.T) {
	// Two vectors for four cores: one shared message, and with only two
	// queue pairs granted the cores round-robin across them.
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:             []ctrlsim.NodeConfig{{Group: 0, Mask: 0xF}},
		Namespaces:        []ctrlsim.NamespaceConfig{{Blocks: 4096, Overwriteable: true}},
		VectorsGranted:    2,
		QueuePairsGranted: 2,
	}, controller.Options{})

	rmt := ctrl.ResourceMap()
	assert.Equal(t, topology.IntKindMSI, rmt.Kind)
	assert.True(t, rmt.Vectors[0].Shared)

	qs := ctrl.Queues()
	assert.Equal(t, uint16(2), qs.NumSubCreated)
	checkCounters(t, qs)

	for id := uint16(1); id <= 2; id++ {
		assert.Equal(t, uint16(0), qs.CplQueue(id).MsgID, "short grants share vector 0")
	}

	want := []uint16{1, 2, 1, 2}
	for i, ct := range rmt.ActiveCores() {
		assert.Equal(t, want[i], ct.SubQueue)
		assert.Equal(t, want[i], ct.CplQueue)
	}
}

func TestBringUpSingleQueuePairGrant(t *testing.T) {
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:             []ctrlsim.NodeConfig{{Group: 0, Mask: 0xF}},
		Namespaces:        []ctrlsim.NamespaceConfig{{Blocks: 4096, Overwriteable: true}},
		VectorsGranted:    8,
		QueuePairsGranted: 1,
	}, controller.Options{})

	qs := ctrl.Queues()
	assert.Equal(t, uint16(1), qs.NumSubAllocated)
	assert.Equal(t, uint16(1), qs.NumCplAllocated)
	assert.True(t, qs.SubQueue(1).Shared, "a short allocation shares its queues")

	for _, ct := range ctrl.ResourceMap().ActiveCores() {
		assert.Equal(t, uint16(1), ct.SubQueue)
	}
}

func TestBringUpIdentifyControllerFailure(t *testing.T) {
	sim := ctrlsim.New(ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x3}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 4096}},
		VectorsGranted: 4,
		CommandHook: func(cmd nvme.Command) (uint8, uint8, bool) {
			if cmd.Opcode == nvme.OpIdentify && cmd.CDW10 == nvme.CNSController {
				return 0x06, 0, true // internal error
			}
			return 0, 0, false
		},
	})
	defer sim.Close()

	allocsBeforeStart := sim.LiveAllocations()

	ctrl, err := controller.New(sim, controller.Options{}, logr.Discard())
	require.NoError(t, err)
	err = ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, controller.StateFailed, ctrl.State())
	assert.NotZero(t, errors.FatalMask(err)&errors.FailIdentifyCtrl)

	// No IO queue memory was allocated past the admin pair and scratch.
	assert.Equal(t, allocsBeforeStart+3, sim.LiveAllocations())
}

func TestBringUpFallbackToSingleQueue(t *testing.T) {
	// Construction allocates the scratch page and the admin pair (three
	// allocations); the second IO ring allocation is the sixth overall.
	calls := 0
	sim := ctrlsim.New(ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0xF}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 4096, Overwriteable: true}},
		VectorsGranted: 8,
		AllocHook: func(size, node int) error {
			calls++
			if calls == 6 {
				return fmt.Errorf("injected exhaustion")
			}
			return nil
		},
	})
	defer sim.Close()

	ctrl, err := controller.New(sim, controller.Options{}, logr.Discard())
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	qs := ctrl.Queues()
	assert.Equal(t, uint16(1), qs.NumSubAllocated)
	assert.Equal(t, uint16(1), qs.NumSubCreated)
	for _, ct := range ctrl.ResourceMap().ActiveCores() {
		assert.Equal(t, uint16(1), ct.SubQueue)
		assert.Equal(t, uint16(1), ct.CplQueue)
	}
}

func TestBringUpCrashDumpPath(t *testing.T) {
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0xF}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 4096, Overwriteable: true}},
		VectorsGranted: 8,
	}, controller.Options{Dump: true})

	qs := ctrl.Queues()
	assert.Equal(t, uint16(1), qs.NumSubAllocated, "dump path requests a single pair")
	assert.True(t, qs.SubQueue(1).Shared)
	assert.True(t, qs.CplQueue(1).Shared)
}

func TestHiddenAndExtraRangeNamespaces(t *testing.T) {
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x1}},
		VectorsGranted: 2,
		Namespaces: []ctrlsim.NamespaceConfig{
			{Blocks: 1024, Overwriteable: true},
			{Blocks: 2048, Hidden: true},
			{Blocks: 4096, Overwriteable: false},
			{Blocks: 512, Overwriteable: true, ExtraRanges: 2},
		},
	}, controller.Options{})

	// Namespace 2 is hidden and namespace 4 carries more than one range;
	// both are ignored. Namespace 3 is visible but not overwriteable.
	assert.Equal(t, uint32(2), ctrl.VisibleLuns())
	luns := ctrl.Luns()
	assert.Equal(t, controller.LunOnline, luns[0].Status)
	assert.False(t, luns[0].ReadOnly)
	assert.Equal(t, uint32(1), luns[0].NamespaceID)
	assert.Equal(t, controller.LunOnline, luns[1].Status)
	assert.True(t, luns[1].ReadOnly)
	assert.Equal(t, uint32(3), luns[1].NamespaceID)
	assert.Equal(t, controller.LunFree, luns[2].Status)
}

func TestNoNamespaces(t *testing.T) {
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x3}},
		VectorsGranted: 4,
		Namespaces:     nil,
	}, controller.Options{})

	assert.Equal(t, uint32(0), ctrl.VisibleLuns())
	// Without Set Features(NumberOfQueues) the bring-up still creates the
	// single default pair.
	assert.Equal(t, uint16(1), ctrl.Queues().NumSubCreated)
}

func TestShutdownReleasesEverything(t *testing.T) {
	sim, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0xF}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 4096, Overwriteable: true}},
		VectorsGranted: 8,
	}, controller.Options{})

	require.NoError(t, ctrl.Shutdown(context.Background()))
	assert.Equal(t, 0, sim.LiveAllocations(), "every allocation returned")
}

func TestShutdownRefusesWithPendingCommand(t *testing.T) {
	sim, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x1}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 1024, Overwriteable: true}},
		VectorsGranted: 2,
	}, controller.Options{})

	slot, err := ctrl.Queues().AcquireSlot(1, "io in flight")
	require.NoError(t, err)

	ccBefore, rerr := sim.ReadRegister32(nvme.RegCC)
	require.NoError(t, rerr)

	err = ctrl.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, slot.Pending, "the pending slot is untouched")

	ccAfter, rerr := sim.ReadRegister32(nvme.RegCC)
	require.NoError(t, rerr)
	assert.Equal(t, ccBefore, ccAfter, "registers untouched on refusal")

	// Releasing the slot clears the path.
	require.NoError(t, ctrl.Queues().ReleaseSlot(1, slot))
	require.NoError(t, ctrl.Shutdown(context.Background()))
	assert.Equal(t, 0, sim.LiveAllocations())
}

func TestShutdownHandshakeTimeoutStillFrees(t *testing.T) {
	answer := false
	sim, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x1}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 1024, Overwriteable: true}},
		VectorsGranted: 2,
		TO:             1,
		AnswerShutdown: &answer,
	}, controller.Options{})

	err := ctrl.Shutdown(context.Background())
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, 0, sim.LiveAllocations(), "memory freed despite the timeout")
}

func TestTransitionHistorySingleCore(t *testing.T) {
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x1}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 1024, Overwriteable: true}},
		VectorsGranted: 0,
	}, controller.Options{})

	var visited []controller.State
	for _, tr := range ctrl.Transitions() {
		visited = append(visited, tr.To)
	}
	want := []controller.State{
		controller.StateWaitOnIdentifyCtrl,
		controller.StateWaitOnIdentifyNS,
		controller.StateWaitOnSetFeatures,
		controller.StateWaitOnSetupQueues,
		controller.StateWaitOnAer,
		controller.StateWaitOnIoCQ,
		controller.StateWaitOnIoSQ,
		controller.StateStartComplete,
	}
	assert.Equal(t, want, visited)
}

func TestDoorbellStrideBringUp(t *testing.T) {
	_, ctrl := startController(t, ctrlsim.Config{
		Nodes:          []ctrlsim.NodeConfig{{Group: 0, Mask: 0x3}},
		Namespaces:     []ctrlsim.NamespaceConfig{{Blocks: 4096, Overwriteable: true}},
		VectorsGranted: 4,
		DSTRD:          2,
	}, controller.Options{})

	// Bring-up succeeded through wide doorbells; spot check the offsets.
	qs := ctrl.Queues()
	assert.Equal(t, uint32(0x1000+2*16), qs.SubQueue(1).DoorbellOff)
	assert.Equal(t, uint32(0x1000+3*16), qs.CplQueue(1).DoorbellOff)
}
