// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package queue

import (
	"fmt"

	"github.com/antimetal/nvme/pkg/errors"
)

// AcquireSlot pops a free command id off the queue's free list and marks it
// pending. The returned slot carries the command id and the slot's PRP list
// buffer; ctx travels with the slot until release. Fails with
// ErrResourceExhausted when the queue has no free entries.
//
// Ids come back in FIFO order, which makes a consumer that forgot to release
// show up as overlapping ids instead of silent reuse.
func (qs *QueueSet) AcquireSlot(id uint16, ctx any) (*CommandSlot, error) {
	sq := qs.SubQueue(id)
	if sq == nil || sq.free == nil {
		return nil, fmt.Errorf("queue %d: %w", id, errors.ErrInvalidParameter)
	}
	cid, ok := sq.free.Pop()
	if !ok {
		return nil, fmt.Errorf("queue %d full: %w", id, errors.ErrResourceExhausted)
	}
	slot := &sq.slots[cid]
	if slot.Pending {
		return nil, &errors.InvariantError{
			Msg: fmt.Sprintf("queue %d slot %d pending while on free list", id, cid),
		}
	}
	slot.Pending = true
	slot.Context = ctx
	return slot, nil
}

// ReleaseSlot returns a slot to the tail of its queue's free list.
func (qs *QueueSet) ReleaseSlot(id uint16, slot *CommandSlot) error {
	sq := qs.SubQueue(id)
	if sq == nil || sq.free == nil || slot == nil {
		return errors.ErrInvalidParameter
	}
	if !slot.Pending {
		return &errors.InvariantError{
			Msg: fmt.Sprintf("queue %d slot %d released while not pending", id, slot.CID),
		}
	}
	slot.Pending = false
	slot.Context = nil
	sq.free.Push(slot.CID)
	return nil
}

// Slot returns the queue's slot for a completed command id.
func (qs *QueueSet) Slot(id uint16, cid uint16) (*CommandSlot, error) {
	sq := qs.SubQueue(id)
	if sq == nil || int(cid) >= len(sq.slots) {
		return nil, errors.ErrInvalidParameter
	}
	return &sq.slots[cid], nil
}
