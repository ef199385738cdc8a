// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package queue

import (
	"fmt"

	"github.com/antimetal/nvme/pkg/errors"
	"github.com/antimetal/nvme/pkg/nvme"
	"github.com/antimetal/nvme/pkg/platform"
	"github.com/antimetal/nvme/pkg/ringbuffer"
)

// AllocQueue allocates the backing store for queue pair id: one contiguous
// region holding the submission ring followed by the completion ring, and a
// second region for the PRP list pool. Memory is requested from the NUMA node
// owning the pair. The entry count is rounded up so the submission ring is a
// whole number of host pages.
func (qs *QueueSet) AllocQueue(p platform.Platform, id uint16, entries uint32, numaNode int, prpListSize int) error {
	if int(id) >= len(qs.Sub) {
		return fmt.Errorf("queue %d: %w", id, errors.ErrInvalidParameter)
	}
	pageSize := p.PageSize()

	// Round up so the submission entries fill exact pages.
	perPage := uint32(pageSize / nvme.CommandSize)
	if entries%perPage != 0 {
		entries = (entries + perPage) &^ (perPage - 1)
	}

	sq := &qs.Sub[id]
	sq.ID = id
	sq.Entries = entries

	// One region for both rings; a trailing page absorbs alignment slack
	// when the completion ring is pushed to the next page boundary.
	ringBytes := int(entries)*nvme.CommandSize + int(entries)*nvme.CompletionSize
	backing, err := p.AllocateContiguous(ringBytes+pageSize, numaNode)
	if err != nil {
		return fmt.Errorf("queue %d ring allocation: %w", id, errors.ErrInsufficientResources)
	}
	sq.backing = backing

	// PRP lists must not cross page boundaries, so the pool is sized by how
	// many lists fit per page, plus one page of slack for the carver.
	sq.PRPPerPage = pageSize / prpListSize
	pages := int(entries) / sq.PRPPerPage
	if int(entries)%sq.PRPPerPage != 0 {
		pages++
	}
	prpBacking, err := p.AllocateContiguous((pages+1)*pageSize, numaNode)
	if err != nil {
		backing.Free()
		sq.backing = nil
		return fmt.Errorf("queue %d PRP pool allocation: %w", id, errors.ErrInsufficientResources)
	}
	sq.prpBacking = prpBacking

	if id == AdminQueueID {
		qs.NumAdminEntriesAllocated = entries
	} else {
		qs.NumIoEntriesAllocated = entries
	}
	qs.logger.V(1).Info("queue pair backing allocated",
		"queue", id, "entries", entries, "node", numaNode)
	return nil
}

// InitSubQueue carves the submission ring out of the pair's backing region
// and resets the queue state. shared marks queues serving more than one core
// (the admin queue, any queue in a short allocation, or every queue in
// crashdump mode).
func (qs *QueueSet) InitSubQueue(id uint16, pageSize int, cap nvme.Cap, shared bool) error {
	sq := qs.SubQueue(id)
	if sq == nil || sq.backing == nil {
		return fmt.Errorf("submission queue %d: %w", id, errors.ErrInvalidParameter)
	}

	// Contiguous allocations are host-page aligned, so the submission ring
	// starts at the base of the region.
	buf := sq.backing.Bytes()
	ringBytes := int(sq.Entries) * nvme.CommandSize
	sq.ring = buf[:ringBytes]
	clear(sq.ring)
	sq.ringPhys = sq.backing.Phys(0)
	if sq.ringPhys == 0 {
		return fmt.Errorf("submission queue %d: %w", id, errors.ErrInsufficientResources)
	}

	sq.DoorbellOff = nvme.SubQueueDoorbell(id, cap)
	sq.Tail = 0
	sq.Head = 0
	sq.Requests = 0
	sq.Shared = shared || id == AdminQueueID
	sq.CplQueueID = id
	return nil
}

// InitCplQueue carves the completion ring immediately after the submission
// ring, re-aligned to the next page boundary, and binds the queue to its
// message vector.
func (qs *QueueSet) InitCplQueue(id uint16, pageSize int, cap nvme.Cap, msgID uint16, shared bool) error {
	sq := qs.SubQueue(id)
	cq := qs.CplQueue(id)
	if sq == nil || cq == nil || sq.backing == nil || sq.ring == nil {
		return fmt.Errorf("completion queue %d: %w", id, errors.ErrInvalidParameter)
	}

	cq.ID = id
	cq.Entries = sq.Entries

	buf := sq.backing.Bytes()
	off := platform.PageAlign(int(sq.Entries)*nvme.CommandSize, pageSize)
	ringBytes := int(cq.Entries) * nvme.CompletionSize
	if off+ringBytes > len(buf) {
		return fmt.Errorf("completion queue %d: %w", id, errors.ErrInsufficientResources)
	}
	cq.ring = buf[off : off+ringBytes]
	clear(cq.ring)
	cq.ringPhys = sq.backing.Phys(off)
	if cq.ringPhys == 0 {
		return fmt.Errorf("completion queue %d: %w", id, errors.ErrInsufficientResources)
	}

	cq.DoorbellOff = nvme.CplQueueDoorbell(id, cap)
	cq.Head = 0
	cq.Phase = false
	cq.Completions = 0
	cq.MsgID = msgID
	cq.Shared = shared || id == AdminQueueID
	return nil
}

// InitCmdEntries builds the pair's command slots and free list. Each slot is
// assigned a PRP list buffer carved from the pool; a list that would cross a
// page boundary is pushed to the next page instead.
func (qs *QueueSet) InitCmdEntries(id uint16, prpListSize int, pageSize int) error {
	sq := qs.SubQueue(id)
	if sq == nil || sq.prpBacking == nil {
		return fmt.Errorf("queue %d command entries: %w", id, errors.ErrInvalidParameter)
	}

	free, err := ringbuffer.New[uint16](int(sq.Entries))
	if err != nil {
		return err
	}
	sq.free = free
	sq.slots = make([]CommandSlot, sq.Entries)

	pool := sq.prpBacking.Bytes()
	off := 0
	for i := uint32(0); i < sq.Entries; i++ {
		if pageSize-off%pageSize < prpListSize {
			off = platform.PageAlign(off, pageSize)
		}
		slot := &sq.slots[i]
		slot.CID = uint16(i)
		slot.PRPList = pool[off : off+prpListSize]
		slot.PRPListPhys = sq.prpBacking.Phys(off)
		off += prpListSize
		sq.free.Push(slot.CID)
	}
	return nil
}
