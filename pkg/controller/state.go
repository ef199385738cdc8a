// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/antimetal/nvme/pkg/errors"
	"github.com/antimetal/nvme/pkg/nvme"
	"github.com/antimetal/nvme/pkg/queue"
	"github.com/antimetal/nvme/pkg/topology"
)

// notifyWait bounds how long the learner waits for interrupt delivery to
// catch up with a probe completion already visible in memory.
const notifyWait = 10 * time.Millisecond

// State is one station of the bring-up sequence.
type State int

const (
	StateWaitOnRdy State = iota
	StateWaitOnIdentifyCtrl
	StateWaitOnIdentifyNS
	StateWaitOnSetFeatures
	StateWaitOnSetupQueues
	StateWaitOnAer
	StateWaitOnIoCQ
	StateWaitOnIoSQ
	StateWaitOnLearnMapping
	StateWaitOnReSetupQueues
	StateStartComplete
	StateFailed
	StateShutdown
)

var stateNames = map[State]string{
	StateWaitOnRdy:           "WaitOnRdy",
	StateWaitOnIdentifyCtrl:  "WaitOnIdentifyCtrl",
	StateWaitOnIdentifyNS:    "WaitOnIdentifyNS",
	StateWaitOnSetFeatures:   "WaitOnSetFeatures",
	StateWaitOnSetupQueues:   "WaitOnSetupQueues",
	StateWaitOnAer:           "WaitOnAer",
	StateWaitOnIoCQ:          "WaitOnIoCQ",
	StateWaitOnIoSQ:          "WaitOnIoSQ",
	StateWaitOnLearnMapping:  "WaitOnLearnMapping",
	StateWaitOnReSetupQueues: "WaitOnReSetupQueues",
	StateStartComplete:       "StartComplete",
	StateFailed:              "Failed",
	StateShutdown:            "Shutdown",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transition is one recorded state change.
type Transition struct {
	From   State
	To     State
	Checks uint32
}

// aerContext tags the slots held by outstanding asynchronous event requests;
// they stay pending for the controller's lifetime and are drained at
// shutdown, not completed.
type aerContext struct{}

// probeContext tags the learning probe IO.
type probeContext struct{}

// stateMachine carries the cooperative bring-up state. The scratch data
// buffer and the in-flight command belong to whichever state issued last;
// the single-in-flight invariant is enforced in issueAdmin.
type stateMachine struct {
	state       State
	checkCount  uint32
	failureMask uint32

	ttlLbaRangeExamined       uint32
	identifyNamespaceFetched  uint32
	visibleNamespacesExamined uint32
	currentNsid               uint32
	numAersIssued             uint8
	learningCores             uint16

	intCoalescingSet     bool
	configLbaRangeNeeded bool

	inflight     bool
	inflightCmd  nvme.Command
	inflightSlot *queue.CommandSlot
}

func (sm *stateMachine) transition(c *Controller, next State) {
	if sm.state == next {
		return
	}
	c.history.Push(Transition{From: sm.state, To: next, Checks: sm.checkCount})
	c.logger.V(1).Info("state transition", "from", sm.state.String(), "to", next.String())
	sm.state = next
	sm.checkCount = 0
}

func (c *Controller) fatal(bit uint32) {
	c.sm.failureMask |= bit
	c.logger.Error(nil, "bring-up failure", "state", c.sm.state.String(),
		"mask", fmt.Sprintf("%#x", c.sm.failureMask))
	c.sm.transition(c, StateFailed)
}

// Start walks the controller from reset to StartComplete. It blocks until
// the terminal state is reached, the per-state check budget is exhausted, or
// ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Reset(); err != nil {
		return err
	}
	if err := c.waitReady(ctx, false); err != nil {
		return err
	}
	if err := c.enableAdapter(); err != nil {
		return err
	}
	if err := c.waitReady(ctx, true); err != nil {
		return err
	}

	// Nothing to learn when every completion queue shares one vector.
	if c.rmt.MsgGranted <= uint32(c.rmt.NumActiveCores) || c.dump {
		c.sm.learningCores = c.rmt.NumActiveCores
	}

	c.sm.transition(c, StateWaitOnIdentifyCtrl)
	return c.runArbiter(ctx)
}

// runArbiter is the cooperative scheduling loop: issue the current state's
// command if none is in flight, harvest completions, and stall when nothing
// progressed. A state that stalls past the controller timeout fails the
// machine.
func (c *Controller) runArbiter(ctx context.Context) error {
	maxChecks := uint32(c.controllerTimeout() / stallInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch c.sm.state {
		case StateStartComplete:
			c.rmt.UnmaskInterrupts()
			c.logger.Info("controller start complete",
				"ioQueues", c.qs.NumSubCreated, "visibleLuns", c.visibleLuns,
				"interrupt", c.rmt.Kind.String())
			return nil
		case StateFailed:
			return &errors.FatalError{Mask: c.sm.failureMask}
		}

		if !c.sm.inflight {
			if err := c.issueForState(); err != nil {
				return err
			}
			// Synchronous states transition without a command.
			if !c.sm.inflight {
				continue
			}
		}

		if c.pollCompletions() {
			continue
		}
		c.sm.checkCount++
		if c.sm.checkCount > maxChecks {
			c.fatal(errors.FailUnknownState)
			continue
		}
		c.p.Stall(stallInterval)
	}
}

// issueForState fires the admin command (or synchronous action) the current
// state calls for. At most one command is put in flight.
func (c *Controller) issueForState() error {
	switch c.sm.state {
	case StateWaitOnIdentifyCtrl:
		return c.issueIdentify(nvme.CNSController, 0)

	case StateWaitOnIdentifyNS:
		nsid := c.sm.identifyNamespaceFetched + 1
		if nsid > c.ident.Nn {
			// No (more) namespaces defined; queue setup proceeds without.
			c.sm.transition(c, StateWaitOnSetupQueues)
			return nil
		}
		if int(c.sm.visibleNamespacesExamined) >= len(c.luns) {
			c.fatal(errors.FailIdentifyNS)
			return nil
		}
		return c.issueIdentify(nvme.CNSNamespace, nsid)

	case StateWaitOnSetFeatures:
		switch {
		case !c.sm.intCoalescingSet:
			return c.issueSetIntCoalescing()
		case c.qs.NumSubAllocFromAdapter == 0:
			return c.issueAllocQueuesFromAdapter()
		default:
			return c.issueAccessLbaRange()
		}

	case StateWaitOnSetupQueues:
		if err := c.allocIoQueues(); err != nil {
			c.fatal(errors.FailQueueAlloc)
			return nil
		}
		c.sm.transition(c, StateWaitOnAer)
		return nil

	case StateWaitOnAer:
		if err := c.issueAERs(aerTarget); err != nil {
			c.fatal(errors.FailAer)
			return nil
		}
		c.sm.transition(c, StateWaitOnIoCQ)
		return nil

	case StateWaitOnIoCQ:
		if c.qs.NumCplCreated >= c.qs.NumCplAllocated {
			c.sm.transition(c, StateWaitOnIoSQ)
			return nil
		}
		return c.issueCreateCplQueue(c.qs.NumCplCreated + 1)

	case StateWaitOnIoSQ:
		if c.qs.NumSubCreated >= c.qs.NumSubAllocated {
			if c.sm.learningCores < c.rmt.NumActiveCores {
				c.sm.transition(c, StateWaitOnLearnMapping)
			} else {
				c.sm.transition(c, StateStartComplete)
			}
			return nil
		}
		return c.issueCreateSubQueue(c.qs.NumSubCreated + 1)

	case StateWaitOnLearnMapping:
		if err := c.issueLearningProbe(); err != nil {
			// Possibly no namespace to read from; not fatal. The
			// provisional mapping stands.
			c.logger.Info("unable to issue learning probe, keeping provisional mapping", "err", err)
			c.sm.learningCores = c.rmt.NumActiveCores
			c.sm.transition(c, StateStartComplete)
		}
		return nil

	case StateWaitOnReSetupQueues:
		return c.issueDeleteCplQueue()

	default:
		c.fatal(errors.FailUnknownState)
		return nil
	}
}

// issueAdmin acquires a command slot on the admin queue, stamps the command
// id, pushes the entry and rings the tail doorbell.
func (c *Controller) issueAdmin(cmd nvme.Command) error {
	if c.sm.inflight {
		return &errors.InvariantError{Msg: "admin command already in flight"}
	}
	slot, err := c.qs.AcquireSlot(queue.AdminQueueID, nil)
	if err != nil {
		return err
	}
	cmd.CID = slot.CID
	sq := c.qs.SubQueue(queue.AdminQueueID)
	tail, err := sq.Push(&cmd)
	if err != nil {
		c.qs.ReleaseSlot(queue.AdminQueueID, slot)
		return err
	}
	if err := c.regs.RingDoorbell(sq.DoorbellOff, tail); err != nil {
		return err
	}
	c.sm.inflight = true
	c.sm.inflightCmd = cmd
	c.sm.inflightSlot = slot
	c.logger.V(1).Info("admin command issued", "opcode", fmt.Sprintf("%#02x", cmd.Opcode),
		"cid", cmd.CID, "state", c.sm.state.String())
	return nil
}

func (c *Controller) issueIdentify(cns uint32, nsid uint32) error {
	clear(c.dataBuf.Bytes())
	return c.issueAdmin(nvme.IdentifyCommand(cns, nsid, c.dataBuf.Phys(0)))
}

func (c *Controller) issueSetIntCoalescing() error {
	cdw11 := nvme.IntCoalescingCDW11(uint8(c.tun.IntCoalescingEntry), uint8(c.tun.IntCoalescingTime))
	return c.issueAdmin(nvme.SetFeaturesCommand(nvme.FeatureIntCoalescing, 0, cdw11, 0))
}

// issueAllocQueuesFromAdapter requests one queue pair per active core via
// Set Features(NumberOfQueues); the crash-dump path asks for a single pair.
// The counts on the wire are zero based.
func (c *Controller) issueAllocQueuesFromAdapter() error {
	var nsq, ncq uint16
	if !c.dump {
		nsq = c.rmt.NumActiveCores - 1
		ncq = c.rmt.NumActiveCores - 1
	}
	return c.issueAdmin(nvme.SetFeaturesCommand(nvme.FeatureNumberOfQueues, 0,
		nvme.NumberOfQueuesCDW11(nsq, ncq), 0))
}

// issueAccessLbaRange gets, or when a reconfiguration is owed sets, the LBA
// Range Type feature of the namespace currently under examination.
func (c *Controller) issueAccessLbaRange() error {
	nsid := c.sm.currentNsid
	if nsid == 0 || nsid > c.ident.Nn {
		c.fatal(errors.FailLbaRangeCheck)
		return nil
	}
	buf := c.dataBuf.Bytes()
	if c.sm.configLbaRangeNeeded {
		clear(buf)
		lun := &c.luns[c.sm.visibleNamespacesExamined]
		entry := nvme.LBARangeEntry{
			Type:       nvme.LBARangeFilesystem,
			Attributes: nvme.LBARangeAttrOverwriteable,
			NLB:        lun.Ident.Nsze,
		}
		if err := nvme.EncodeLBARangeEntry(buf, 0, &entry); err != nil {
			return err
		}
		return c.issueAdmin(nvme.SetFeaturesCommand(nvme.FeatureLBARangeType, nsid, 0, c.dataBuf.Phys(0)))
	}
	clear(buf)
	return c.issueAdmin(nvme.GetFeaturesCommand(nvme.FeatureLBARangeType, nsid, c.dataBuf.Phys(0)))
}

// issueAERs keeps min(want, AERL+1) asynchronous event requests outstanding.
// AER slots are acquired and left pending; their completions arrive only on
// controller events.
func (c *Controller) issueAERs(want uint8) error {
	limit := c.ident.Aerl + 1 // zero based in the identify payload
	for c.sm.numAersIssued < want && c.sm.numAersIssued < limit {
		slot, err := c.qs.AcquireSlot(queue.AdminQueueID, aerContext{})
		if err != nil {
			return err
		}
		cmd := nvme.Command{Opcode: nvme.OpAsyncEventReq, CID: slot.CID}
		sq := c.qs.SubQueue(queue.AdminQueueID)
		tail, err := sq.Push(&cmd)
		if err != nil {
			c.qs.ReleaseSlot(queue.AdminQueueID, slot)
			return err
		}
		if err := c.regs.RingDoorbell(sq.DoorbellOff, tail); err != nil {
			return err
		}
		c.sm.numAersIssued++
	}
	c.logger.V(1).Info("async event requests outstanding", "count", c.sm.numAersIssued)
	return nil
}

func (c *Controller) issueCreateCplQueue(id uint16) error {
	cq := c.qs.CplQueue(id)
	if cq == nil {
		c.fatal(errors.FailCplQCreate)
		return nil
	}
	// Re-resolve the vector here so a post-learning rebuild binds the queue
	// to the vector the probe observed.
	cq.MsgID = c.msgIDForQueue(id)
	intEnable := c.rmt.MsgGranted > 0
	return c.issueAdmin(nvme.CreateIOCplQueueCommand(id, c.qs.NumIoEntriesAllocated,
		cq.RingPhys(), cq.MsgID, intEnable))
}

func (c *Controller) issueCreateSubQueue(id uint16) error {
	sq := c.qs.SubQueue(id)
	if sq == nil {
		c.fatal(errors.FailSubQCreate)
		return nil
	}
	return c.issueAdmin(nvme.CreateIOSubQueueCommand(id, c.qs.NumIoEntriesAllocated,
		sq.RingPhys(), sq.CplQueueID))
}

func (c *Controller) issueDeleteCplQueue() error {
	id := c.qs.NumCplCreated
	if id == 0 {
		c.sm.transition(c, StateWaitOnIoCQ)
		return nil
	}
	return c.issueAdmin(nvme.DeleteIOQueueCommand(nvme.OpDeleteIOCplQueue, id))
}

// issueLearningProbe reads one block through the queue pair provisionally
// serving the core under study, so the servicing vector can be observed.
// Stale interrupt notifications are drained first so the observation can
// only be the probe's own vector.
func (c *Controller) issueLearningProbe() error {
	c.drainNotifications()
	sqid, _, err := c.rmt.MapCoreToQueue(c.learningCore().Core, c.sm.learningCores)
	if err != nil {
		c.fatal(errors.FailUnknownState)
		return nil
	}
	slot, err := c.qs.AcquireSlot(sqid, probeContext{})
	if err != nil {
		return err
	}
	cmd := nvme.Command{
		Opcode: nvme.OpRead,
		CID:    slot.CID,
		NSID:   1,
		PRP1:   c.dataBuf.Phys(0),
		CDW12:  0, // zero based block count: one block
	}
	sq := c.qs.SubQueue(sqid)
	tail, err := sq.Push(&cmd)
	if err != nil {
		c.qs.ReleaseSlot(sqid, slot)
		return err
	}
	if err := c.regs.RingDoorbell(sq.DoorbellOff, tail); err != nil {
		return err
	}
	c.sm.inflight = true
	c.sm.inflightCmd = cmd
	c.sm.inflightSlot = slot
	c.logger.V(1).Info("learning probe issued", "core", c.learningCore().Core, "queue", sqid)
	return nil
}

func (c *Controller) learningCore() *topology.CoreEntry {
	return c.rmt.ActiveCores()[c.sm.learningCores]
}

// pollCompletions harvests the admin completion queue, and during the
// learning phase the probe's completion queue, feeding each entry back into
// the state machine. Returns whether anything was harvested.
func (c *Controller) pollCompletions() bool {
	progressed := c.harvestQueue(queue.AdminQueueID)
	if c.sm.state == StateWaitOnLearnMapping && c.sm.inflight {
		sqid, _, err := c.rmt.MapCoreToQueue(c.learningCore().Core, c.sm.learningCores)
		if err == nil {
			progressed = c.harvestQueue(sqid) || progressed
		}
	}
	return progressed
}

// harvestQueue drains newly published entries from one completion queue and
// acknowledges them through the head doorbell.
func (c *Controller) harvestQueue(id uint16) bool {
	cq := c.qs.CplQueue(id)
	if cq == nil {
		return false
	}
	harvested := false
	for {
		entry, ok := cq.Pop()
		if !ok {
			break
		}
		harvested = true
		if sq := c.qs.SubQueue(entry.SQID); sq != nil {
			sq.Head = uint32(entry.SQHead)
		}
		c.handleCompletion(entry)
	}
	if harvested {
		c.regs.RingDoorbell(cq.DoorbellOff, cq.Head)
	}
	return harvested
}

// handleCompletion routes one completion entry: asynchronous events are
// logged, everything else is the in-flight command re-entering the state
// machine.
func (c *Controller) handleCompletion(entry nvme.Completion) {
	slot, err := c.qs.Slot(entry.SQID, entry.CID)
	if err != nil {
		c.logger.Error(err, "completion for unknown slot", "sqid", entry.SQID, "cid", entry.CID)
		return
	}
	if _, isAer := slot.Context.(aerContext); isAer {
		c.logger.Info("asynchronous event", "result", fmt.Sprintf("%#x", entry.Result))
		c.qs.ReleaseSlot(entry.SQID, slot)
		return
	}

	cmd := c.sm.inflightCmd
	c.qs.ReleaseSlot(entry.SQID, slot)
	c.sm.inflight = false
	c.sm.inflightSlot = nil
	c.sm.checkCount = 0

	if c.sm.state == StateWaitOnLearnMapping {
		c.onLearningCompletion(entry)
		return
	}
	c.onAdminCompletion(cmd, entry)
}

// onAdminCompletion is the single completion callback of the bring-up
// machine: dispatch on the state that issued the command.
func (c *Controller) onAdminCompletion(cmd nvme.Command, entry nvme.Completion) {
	switch c.sm.state {
	case StateWaitOnIdentifyCtrl:
		if !entry.OK() {
			c.fatal(errors.FailIdentifyCtrl)
			return
		}
		ident, err := nvme.DecodeIdentifyController(c.dataBuf.Bytes())
		if err != nil {
			c.fatal(errors.FailIdentifyCtrl)
			return
		}
		c.ident = ident
		c.sm.transition(c, StateWaitOnIdentifyNS)

	case StateWaitOnIdentifyNS:
		if !entry.OK() {
			c.fatal(errors.FailIdentifyNS)
			return
		}
		lun := &c.luns[c.sm.visibleNamespacesExamined]
		c.sm.identifyNamespaceFetched++
		lun.NamespaceID = c.sm.identifyNamespaceFetched
		c.sm.currentNsid = lun.NamespaceID
		if ident, err := nvme.DecodeIdentifyNamespace(c.dataBuf.Bytes()); err == nil {
			lun.Ident = ident
		}
		c.sm.transition(c, StateWaitOnSetFeatures)

	case StateWaitOnSetFeatures:
		c.onSetFeaturesCompletion(cmd, entry)

	case StateWaitOnIoCQ:
		if !entry.OK() {
			c.fatal(errors.FailCplQCreate)
			return
		}
		c.qs.NumCplCreated++
		if c.qs.NumCplCreated >= c.qs.NumCplAllocated {
			c.sm.transition(c, StateWaitOnIoSQ)
		}

	case StateWaitOnIoSQ:
		if !entry.OK() {
			c.fatal(errors.FailSubQCreate)
			return
		}
		c.qs.NumSubCreated++
		if c.qs.NumSubCreated >= c.qs.NumSubAllocated {
			if c.sm.learningCores < c.rmt.NumActiveCores {
				c.sm.transition(c, StateWaitOnLearnMapping)
			} else {
				c.sm.transition(c, StateStartComplete)
			}
		}

	case StateWaitOnReSetupQueues:
		c.onDeleteQueueCompletion(cmd, entry)

	default:
		c.fatal(errors.FailUnknownState)
	}
}

// onSetFeaturesCompletion sorts a Get/Set Features completion by feature id,
// mirroring the LBA-range examination flow: interrupt coalescing and queue
// count each complete once, then every namespace gets its range checked.
func (c *Controller) onSetFeaturesCompletion(cmd nvme.Command, entry nvme.Completion) {
	fid := uint8(cmd.CDW10)
	switch {
	case !c.sm.intCoalescingSet && cmd.Opcode == nvme.OpSetFeatures && fid == nvme.FeatureIntCoalescing:
		if !entry.OK() {
			c.fatal(errors.FailIntCoalescing)
			return
		}
		c.sm.intCoalescingSet = true

	case cmd.Opcode == nvme.OpSetFeatures && fid == nvme.FeatureNumberOfQueues:
		if !entry.OK() {
			c.fatal(errors.FailQueueAlloc)
			return
		}
		// NCQR/NSQR come back zero based.
		c.qs.NumSubAllocFromAdapter = uint16(entry.Result) + 1
		c.qs.NumCplAllocFromAdapter = uint16(entry.Result>>16) + 1
		c.logger.Info("queue pairs granted by adapter",
			"sub", c.qs.NumSubAllocFromAdapter, "cpl", c.qs.NumCplAllocFromAdapter)

	case fid == nvme.FeatureLBARangeType && c.sm.ttlLbaRangeExamined < c.sm.identifyNamespaceFetched:
		if !entry.OK() {
			c.fatal(errors.FailLbaRangeCheck)
			return
		}
		c.onLbaRangeCompletion(cmd, entry)

	default:
		c.fatal(errors.FailUnknownState)
	}
}

// namespace visibility, per the LBA range examination
type visibility int

const (
	visibilityVisible visibility = iota
	visibilityHidden
	visibilityIgnored
)

func (c *Controller) onLbaRangeCompletion(cmd nvme.Command, entry nvme.Completion) {
	lun := &c.luns[c.sm.visibleNamespacesExamined]

	if cmd.Opcode == nvme.OpGetFeatures {
		vis := visibilityIgnored
		// Only a single range per namespace is supported; NUM is zero based.
		if num := entry.Result & 0x3F; num == 0 {
			rng, err := nvme.DecodeLBARangeEntry(c.dataBuf.Bytes(), 0)
			if err != nil {
				c.fatal(errors.FailLbaRangeCheck)
				return
			}
			if rng.Hidden() {
				vis = visibilityHidden
			} else {
				vis = visibilityVisible
			}
			lun.ReadOnly = !rng.Overwriteable()
		}
		c.sm.configLbaRangeNeeded = false
		c.sm.ttlLbaRangeExamined++
		if vis == visibilityVisible {
			lun.Status = LunOnline
			c.sm.visibleNamespacesExamined++
		} else {
			c.logger.V(1).Info("namespace not visible, slot cleared", "nsid", cmd.NSID)
			*lun = LunEntry{}
		}
	} else {
		// Set path: the namespace was reconfigured as an overwriteable
		// filesystem range.
		lun.Status = LunOnline
		lun.ReadOnly = false
		c.sm.visibleNamespacesExamined++
		c.sm.ttlLbaRangeExamined++
		c.sm.configLbaRangeNeeded = false
	}

	if c.sm.ttlLbaRangeExamined == c.ident.Nn {
		c.visibleLuns = c.sm.visibleNamespacesExamined
		c.sm.transition(c, StateWaitOnSetupQueues)
		return
	}
	if c.sm.configLbaRangeNeeded {
		return // stay; the arbiter issues the Set next
	}
	c.sm.transition(c, StateWaitOnIdentifyNS)
}

// onLearningCompletion records the vector observed servicing the probe and
// advances to the next core. Probe failure is not fatal: learning is
// abandoned and the provisional mapping stands.
func (c *Controller) onLearningCompletion(entry nvme.Completion) {
	if !entry.OK() {
		c.logger.Info("learning probe failed, keeping provisional mapping",
			"sc", entry.SC(), "sct", entry.SCT())
		c.sm.learningCores = c.rmt.NumActiveCores
		c.sm.transition(c, StateStartComplete)
		return
	}
	ct := c.learningCore()
	vector := c.observedVector(entry)
	if err := c.rmt.LearnVector(ct.Core, vector, ct.CplQueue); err != nil {
		c.logger.Info("learning observation rejected", "err", err)
	}
	c.sm.learningCores++
	if c.sm.learningCores >= c.rmt.NumActiveCores {
		// Interrupts stay masked while the completion queues are rebuilt
		// against the learned vector map.
		c.rmt.MaskInterrupts()
		c.sm.transition(c, StateWaitOnReSetupQueues)
	}
}

// drainNotifications discards any queued interrupt notifications.
func (c *Controller) drainNotifications() {
	n, ok := c.p.(MessageNotifier)
	if !ok {
		return
	}
	for {
		select {
		case <-n.Notifications():
		default:
			return
		}
	}
}

// observedVector asks the platform which vector signaled the probe, waiting
// briefly for interrupt delivery to catch up with the completion memory.
// Later notifications supersede earlier ones, so a straggler from the last
// admin completion cannot shadow the probe's own vector. Platforms without
// interrupt introspection fall back to the queue's configured vector.
func (c *Controller) observedVector(entry nvme.Completion) uint16 {
	if n, ok := c.p.(MessageNotifier); ok {
		var last uint16
		got := false
		wait := notifyWait
		for {
			select {
			case v := <-n.Notifications():
				last = v
				got = true
				// Collect until the line has been quiet for a moment.
				wait = notifyWait / 10
				continue
			case <-time.After(wait):
			}
			break
		}
		if got {
			return last
		}
	}
	if cq := c.qs.CplQueue(entry.SQID); cq != nil {
		return cq.MsgID
	}
	return 0
}

// onDeleteQueueCompletion processes one queue deletion during the
// post-learning rebuild. Only completion queues are deleted; the submission
// queues survive until shutdown.
func (c *Controller) onDeleteQueueCompletion(cmd nvme.Command, entry nvme.Completion) {
	if cmd.Opcode != nvme.OpDeleteIOCplQueue {
		c.fatal(errors.FailUnknownState)
		return
	}
	if !entry.OK() {
		c.fatal(errors.FailCplQDelete)
		return
	}
	c.qs.CplQueue(c.qs.NumCplCreated).Reset()
	c.qs.NumCplCreated--
	if c.qs.NumCplCreated == 0 {
		c.sm.transition(c, StateWaitOnIoCQ)
	}
}
