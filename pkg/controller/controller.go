// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package controller drives an NVMe controller from reset to a steady state
// with per-core IO queue pairs, and tears it down again. Bring-up is a
// cooperative, single-threaded walk through the admin command sequence:
// exactly one admin command is in flight at any moment, and each completion
// advances the state machine until StartComplete or a terminal failure.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/nvme/pkg/config"
	"github.com/antimetal/nvme/pkg/errors"
	"github.com/antimetal/nvme/pkg/nvme"
	"github.com/antimetal/nvme/pkg/platform"
	"github.com/antimetal/nvme/pkg/queue"
	"github.com/antimetal/nvme/pkg/ringbuffer"
	"github.com/antimetal/nvme/pkg/topology"
)

const (
	// stallInterval is the pause between register polls and arbiter passes.
	stallInterval = 100 * time.Microsecond

	// aerTarget is how many asynchronous event requests bring-up keeps
	// outstanding, before clamping to the controller's AERL.
	aerTarget = 4

	// transitionHistory bounds the retained state transitions.
	transitionHistory = 64
)

// LunStatus is the lifecycle state of one namespace slot.
type LunStatus int

const (
	LunFree LunStatus = iota
	LunOnline
)

// LunEntry is one namespace slot. Slots are zeroed when the namespace turns
// out hidden, and the same slot is reused for the next namespace examined.
type LunEntry struct {
	NamespaceID uint32
	Ident       nvme.IdentifyNamespace
	Status      LunStatus
	ReadOnly    bool
}

// MessageNotifier is implemented by platforms that can report which message
// vector signaled. The learning phase uses it to observe the real
// core-to-vector routing; without it the provisional mapping stands.
type MessageNotifier interface {
	Notifications() <-chan uint16
}

// Options adjust controller construction.
type Options struct {
	// Dump marks the crash-dump/hibernation path: a single shared IO queue
	// pair and polled completions.
	Dump bool
}

// Controller is the root aggregate owning the register gateway, resource
// map, queue set, namespace table and bring-up state machine. It lives from
// attach to detach.
type Controller struct {
	p    platform.Platform
	regs *nvme.Registers
	cap  nvme.Cap

	tun config.Tunables
	rmt *topology.ResourceMap
	qs  *queue.QueueSet

	ident       nvme.IdentifyController
	luns        []LunEntry
	visibleLuns uint32

	sm      stateMachine
	history *ringbuffer.RingBuffer[Transition]

	// dataBuf is the one-page scratch the admin machine DMAs payloads
	// through. Single-writer: only one admin command is ever in flight.
	dataBuf platform.Buffer

	dump   bool
	logger logr.Logger
}

// New loads the tunables, discovers topology and interrupt resources, and
// allocates the admin queue pair. The controller is not enabled until Start.
func New(p platform.Platform, opts Options, logger logr.Logger) (*Controller, error) {
	log := logger.WithName("nvme")
	c := &Controller{
		p:      p,
		regs:   nvme.NewRegisters(p),
		rmt:    topology.NewResourceMap(log),
		dump:   opts.Dump,
		logger: log,
	}
	c.history, _ = ringbuffer.New[Transition](transitionHistory)

	c.tun = config.Defaults()
	c.tun.Load(p, log)

	cap, err := c.regs.ReadCap()
	if err != nil {
		return nil, fmt.Errorf("reading controller capabilities: %w", err)
	}
	c.cap = cap

	if err := c.rmt.EnumerateNumaCores(p); err != nil {
		return nil, err
	}
	if err := c.rmt.EnumerateMsiMessages(p); err != nil {
		return nil, err
	}

	c.qs = queue.NewQueueSet(c.rmt.NumActiveCores, log)
	c.luns = make([]LunEntry, c.tun.Namespaces)

	buf, err := p.AllocateContiguous(p.PageSize(), 0)
	if err != nil {
		return nil, fmt.Errorf("allocating admin scratch: %w", errors.ErrInsufficientResources)
	}
	c.dataBuf = buf

	adEntries := clampEntries(c.tun.AdQueueEntries, cap.MQES)
	if err := c.qs.AllocQueue(p, queue.AdminQueueID, adEntries, 0, c.prpListSize()); err != nil {
		c.releaseMemory()
		return nil, err
	}
	if err := c.initQueuePair(queue.AdminQueueID, 0); err != nil {
		c.releaseMemory()
		return nil, err
	}
	return c, nil
}

// Identify returns the controller identify payload captured during bring-up.
func (c *Controller) Identify() nvme.IdentifyController { return c.ident }

// ResourceMap exposes the discovered topology.
func (c *Controller) ResourceMap() *topology.ResourceMap { return c.rmt }

// Queues exposes the queue set.
func (c *Controller) Queues() *queue.QueueSet { return c.qs }

// Luns returns the namespace table; only the first VisibleLuns entries are
// online.
func (c *Controller) Luns() []LunEntry { return c.luns }

// VisibleLuns is the count of namespaces judged visible during bring-up.
func (c *Controller) VisibleLuns() uint32 { return c.visibleLuns }

// State returns the state machine's current state.
func (c *Controller) State() State { return c.sm.state }

// Transitions returns the retained state transition history, oldest first.
func (c *Controller) Transitions() []Transition { return c.history.GetAll() }

// Tunables returns the loaded configuration.
func (c *Controller) Tunables() config.Tunables { return c.tun }

func (c *Controller) prpListSize() int {
	return c.tun.PRPListSize(c.p.PageSize())
}

func clampEntries(want uint32, mqes uint16) uint32 {
	max := uint32(mqes) + 1
	if want > max {
		return max
	}
	return want
}

// initQueuePair carves both rings and the command slots of one pair and binds
// the completion queue to the caller's msgID. After learning, the binding is
// re-resolved from the rewritten vector table when issueCreateCplQueue
// recreates the completion queue.
func (c *Controller) initQueuePair(id uint16, msgID uint16) error {
	pageSize := c.p.PageSize()
	shared := c.sharedQueues()
	if err := c.qs.InitSubQueue(id, pageSize, c.cap, shared); err != nil {
		return err
	}
	if err := c.qs.InitCplQueue(id, pageSize, c.cap, msgID, shared); err != nil {
		return err
	}
	return c.qs.InitCmdEntries(id, c.prpListSize(), pageSize)
}

// sharedQueues reports whether IO queues must be marked shared: short
// allocation or the crash-dump path.
func (c *Controller) sharedQueues() bool {
	return c.dump || c.qs.NumSubAllocated < c.rmt.NumActiveCores
}

// msgIDForQueue resolves the message vector a completion queue should raise.
// With a shared or short grant everything lands on vector 0; otherwise the
// vector comes from the core currently paired with the queue.
func (c *Controller) msgIDForQueue(id uint16) uint16 {
	if id == queue.AdminQueueID {
		return 0
	}
	if c.rmt.Kind != topology.IntKindMSI && c.rmt.Kind != topology.IntKindMSIX {
		return 0
	}
	if c.rmt.MsgGranted <= uint32(c.rmt.NumActiveCores) {
		return 0
	}
	for _, ct := range c.rmt.ActiveCores() {
		if ct.CplQueue == id {
			return ct.MsgID
		}
	}
	return 0
}

// Reset clears CC.EN so the controller forgets its queues, and rewinds the
// state machine to WaitOnRdy.
func (c *Controller) Reset() error {
	cc, err := c.regs.ReadConfig()
	if err != nil {
		return err
	}
	cc.Enable = false
	if err := c.regs.WriteConfig(cc); err != nil {
		return err
	}
	c.sm.transition(c, StateWaitOnRdy)
	return nil
}

// controllerTimeout is CAP.TO in its 500ms units, with a floor of one unit.
func (c *Controller) controllerTimeout() time.Duration {
	to := time.Duration(c.cap.TO) * 500 * time.Millisecond
	if to == 0 {
		to = 500 * time.Millisecond
	}
	return to
}

// waitReady polls CSTS.RDY until it matches want or the CAP.TO budget runs
// out.
func (c *Controller) waitReady(ctx context.Context, want bool) error {
	_, err := backoff.Retry(ctx, func() (bool, error) {
		sts, err := c.regs.ReadStatus()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if sts.Ready != want {
			return false, fmt.Errorf("CSTS.RDY != %v", want)
		}
		return true, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(stallInterval)),
		backoff.WithMaxElapsedTime(c.controllerTimeout()),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("waiting for CSTS.RDY=%v: %w", want, errors.ErrTimeout)
	}
	return nil
}

// enableAdapter programs the admin queue registers and turns the controller
// on: AQA and the 64-bit ASQ/ACQ bases first, then CC with EN set.
func (c *Controller) enableAdapter() error {
	asq := c.qs.SubQueue(queue.AdminQueueID)
	acq := c.qs.CplQueue(queue.AdminQueueID)
	if err := c.regs.ProgramAdminQueues(asq.Entries, acq.Entries, asq.RingPhys(), acq.RingPhys()); err != nil {
		return err
	}
	return c.regs.WriteConfig(nvme.Config{
		Enable: true,
		CSS:    nvme.CCCommandSetNVM,
		MPS:    uint32(pageShift(c.p.PageSize())) - nvme.MemPageShift,
		AMS:    nvme.CCArbRoundRobin,
		SHN:    nvme.ShutdownNone,
		IOSQES: nvme.SQEntryShift,
		IOCQES: nvme.CQEntryShift,
	})
}

func pageShift(pageSize int) int {
	shift := 0
	for 1<<shift < pageSize {
		shift++
	}
	return shift
}

// Shutdown quiesces the controller: refuses while commands are pending,
// disables it, drives the Shutdown Notification handshake, and releases all
// backing memory whether or not the controller acknowledged in time.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.detectPendingCommands() {
		return fmt.Errorf("commands still pending: %w", errors.ErrInvalidParameter)
	}
	c.drainAERs()

	if err := c.Reset(); err != nil {
		return err
	}
	c.sm.transition(c, StateShutdown)
	if err := c.waitReady(ctx, false); err != nil {
		c.logger.Info("controller did not clear RDY before shutdown", "err", err)
	}

	cc, err := c.regs.ReadConfig()
	if err != nil {
		c.releaseMemory()
		return err
	}
	cc.SHN = nvme.ShutdownNormal
	if err := c.regs.WriteConfig(cc); err != nil {
		c.releaseMemory()
		return err
	}

	_, err = backoff.Retry(ctx, func() (bool, error) {
		sts, err := c.regs.ReadStatus()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if sts.SHST != nvme.ShutdownStatusComplete {
			return false, fmt.Errorf("SHST=%d", sts.SHST)
		}
		return true, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(stallInterval)),
		backoff.WithMaxElapsedTime(c.controllerTimeout()),
	)

	// Memory goes away regardless of whether the handshake finished.
	c.releaseMemory()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("shutdown handshake: %w", errors.ErrTimeout)
	}
	c.logger.Info("controller shut down")
	return nil
}

// detectPendingCommands reports whether any slot other than the long-lived
// asynchronous event requests is still in flight.
func (c *Controller) detectPendingCommands() bool {
	pending := false
	c.qs.ForEachPending(func(_ uint16, slot *queue.CommandSlot) {
		if _, isAer := slot.Context.(aerContext); !isAer {
			pending = true
		}
	})
	return pending
}

// drainAERs releases the slots held by outstanding asynchronous event
// requests; the commands themselves die with the controller reset.
func (c *Controller) drainAERs() {
	type drop struct {
		sqid uint16
		slot *queue.CommandSlot
	}
	var drops []drop
	c.qs.ForEachPending(func(sqid uint16, slot *queue.CommandSlot) {
		if _, isAer := slot.Context.(aerContext); isAer {
			drops = append(drops, drop{sqid, slot})
		}
	})
	for _, d := range drops {
		c.qs.ReleaseSlot(d.sqid, d.slot)
	}
	c.sm.numAersIssued = 0
}

// releaseMemory frees every allocation in reverse construction order.
func (c *Controller) releaseMemory() {
	if c.qs != nil {
		c.qs.FreeAll()
	}
	c.luns = nil
	if c.dataBuf != nil {
		c.dataBuf.Free()
		c.dataBuf = nil
	}
}
