// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package queue owns the submission/completion queue pairs: the contiguous
// backing store behind each ring, the PRP list pool, the per-queue command
// slot pool, and the phase-tag completion harvest.
//
// Queue pair 0 is the admin pair and is always shared. IO pairs are indexed
// 1..n and normally map one pair per active core.
package queue

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/nvme/pkg/errors"
	"github.com/antimetal/nvme/pkg/nvme"
	"github.com/antimetal/nvme/pkg/platform"
	"github.com/antimetal/nvme/pkg/ringbuffer"
)

// AdminQueueID is the id of the admin queue pair.
const AdminQueueID uint16 = 0

// CommandSlot tracks one in-flight command id of a submission queue. The PRP
// list buffer assigned to the slot never crosses a host page boundary.
type CommandSlot struct {
	CID     uint16
	Pending bool
	// Context is set by the acquirer and carried back on completion.
	Context any

	PRPList     []byte
	PRPListPhys uint64
}

// SubQueue is one submission queue ring plus its command bookkeeping.
type SubQueue struct {
	ID          uint16
	Entries     uint32
	Shared      bool
	CplQueueID  uint16
	Tail        uint32
	Head        uint32
	DoorbellOff uint32

	// Requests counts commands pushed onto the ring over its lifetime.
	Requests uint64

	// PRPPerPage is how many PRP lists fit in one host page.
	PRPPerPage int

	ring     []byte
	ringPhys uint64

	backing    platform.Buffer
	prpBacking platform.Buffer

	slots []CommandSlot
	free  *ringbuffer.RingBuffer[uint16]
}

// RingPhys returns the physical base of the submission ring.
func (sq *SubQueue) RingPhys() uint64 { return sq.ringPhys }

// FreeSlots returns how many command ids are currently available.
func (sq *SubQueue) FreeSlots() int {
	if sq.free == nil {
		return 0
	}
	return sq.free.Len()
}

// Push encodes cmd at the ring tail and advances it. The returned tail is
// the value to store in the queue's tail doorbell; the caller must ring it
// after this returns so the entry memory is visible to the device first.
func (sq *SubQueue) Push(cmd *nvme.Command) (uint32, error) {
	if sq.ring == nil {
		return 0, errors.ErrInvalidParameter
	}
	next := (sq.Tail + 1) % sq.Entries
	if next == sq.Head {
		return 0, errors.ErrResourceExhausted
	}
	if err := cmd.Marshal(sq.ring[sq.Tail*nvme.CommandSize:]); err != nil {
		return 0, err
	}
	sq.Tail = next
	sq.Requests++
	return sq.Tail, nil
}

// CplQueue is one completion queue ring.
type CplQueue struct {
	ID          uint16
	Entries     uint32
	Shared      bool
	Phase       bool
	Head        uint32
	DoorbellOff uint32
	MsgID       uint16

	// Completions counts entries harvested over the queue's lifetime.
	Completions uint64

	ring     []byte
	ringPhys uint64
}

// RingPhys returns the physical base of the completion ring.
func (cq *CplQueue) RingPhys() uint64 { return cq.ringPhys }

// Reset rewinds the queue for recreation after a delete: head back to zero,
// phase back to the initial tag, and stale entries cleared so the next pass
// cannot be mistaken for published completions.
func (cq *CplQueue) Reset() {
	cq.Head = 0
	cq.Phase = false
	if cq.ring != nil {
		clear(cq.ring)
	}
}

// Pop returns the completion entry at the head if the device has published a
// new one, detected by its phase tag differing from the queue's current
// phase. The head advances and inverts the phase on wrap. Ringing the head
// doorbell is the caller's responsibility; Pop only reads memory.
func (cq *CplQueue) Pop() (nvme.Completion, bool) {
	if cq.ring == nil {
		return nvme.Completion{}, false
	}
	slot := cq.ring[cq.Head*nvme.CompletionSize:]
	if nvme.PhaseAt(slot) == cq.Phase {
		return nvme.Completion{}, false
	}
	entry, _ := nvme.UnmarshalCompletion(slot)
	cq.Head++
	cq.Completions++
	if cq.Head == cq.Entries {
		cq.Head = 0
		cq.Phase = !cq.Phase
	}
	return entry, true
}

// QueueSet is every queue pair of one controller plus the allocation and
// creation accounting the bring-up machine runs on.
type QueueSet struct {
	Sub []SubQueue
	Cpl []CplQueue

	// Granted by the adapter via Set Features(NumberOfQueues); one based.
	NumSubAllocFromAdapter uint16
	NumCplAllocFromAdapter uint16

	// Backing memory allocated, and queues actually created on the device.
	NumSubAllocated uint16
	NumCplAllocated uint16
	NumSubCreated   uint16
	NumCplCreated   uint16

	NumAdminEntriesAllocated uint32
	NumIoEntriesAllocated    uint32

	logger logr.Logger
}

// NewQueueSet sizes the pair tables for the admin pair plus one IO pair per
// active core.
func NewQueueSet(activeCores uint16, logger logr.Logger) *QueueSet {
	return &QueueSet{
		Sub:    make([]SubQueue, activeCores+1),
		Cpl:    make([]CplQueue, activeCores+1),
		logger: logger.WithName("queues"),
	}
}

// SubQueue and CplQueue return the pair members for id, or nil when id is out
// of range.
func (qs *QueueSet) SubQueue(id uint16) *SubQueue {
	if int(id) >= len(qs.Sub) {
		return nil
	}
	return &qs.Sub[id]
}

func (qs *QueueSet) CplQueue(id uint16) *CplQueue {
	if int(id) >= len(qs.Cpl) {
		return nil
	}
	return &qs.Cpl[id]
}

// PendingCommands reports whether any submission queue still has a command
// slot marked pending, asynchronous event request slots included.
func (qs *QueueSet) PendingCommands() bool {
	pending := false
	qs.ForEachPending(func(uint16, *CommandSlot) { pending = true })
	return pending
}

// ForEachPending visits every pending command slot across all submission
// queues.
func (qs *QueueSet) ForEachPending(fn func(sqid uint16, slot *CommandSlot)) {
	for i := range qs.Sub {
		sq := &qs.Sub[i]
		for j := range sq.slots {
			if sq.slots[j].Pending {
				fn(sq.ID, &sq.slots[j])
			}
		}
	}
}

// FreeAll releases every backing allocation in reverse construction order.
// Safe to call on a partially built set.
func (qs *QueueSet) FreeAll() {
	for id := len(qs.Sub) - 1; id >= 0; id-- {
		qs.FreeQueue(uint16(id))
	}
}

// FreeQueue releases the backing store of one pair.
func (qs *QueueSet) FreeQueue(id uint16) {
	sq := qs.SubQueue(id)
	if sq == nil {
		return
	}
	if sq.prpBacking != nil {
		sq.prpBacking.Free()
		sq.prpBacking = nil
	}
	if sq.backing != nil {
		sq.backing.Free()
		sq.backing = nil
	}
	sq.ring = nil
	sq.slots = nil
	sq.free = nil
	if cq := qs.CplQueue(id); cq != nil {
		cq.ring = nil
	}
}
