// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package nvme holds the wire-level NVM Express definitions the driver
// exchanges with a controller: 64-byte submission entries, 16-byte completion
// entries, admin opcodes and feature identifiers, the identify payloads, and
// the memory-mapped register window.
//
// Everything here is defined against the little-endian byte layout of the NVMe
// specification; no struct is ever reinterpreted in place from device memory.
package nvme

import (
	"encoding/binary"

	"github.com/antimetal/nvme/pkg/errors"
)

// Entry sizes fixed by the specification.
const (
	CommandSize    = 64
	CompletionSize = 16

	// CC.IOSQES / CC.IOCQES are log2 of the entry sizes.
	SQEntryShift = 6
	CQEntryShift = 4
)

// Admin command opcodes.
const (
	OpDeleteIOSubQueue uint8 = 0x00
	OpCreateIOSubQueue uint8 = 0x01
	OpGetLogPage       uint8 = 0x02
	OpDeleteIOCplQueue uint8 = 0x04
	OpCreateIOCplQueue uint8 = 0x05
	OpIdentify         uint8 = 0x06
	OpAbort            uint8 = 0x08
	OpSetFeatures      uint8 = 0x09
	OpGetFeatures      uint8 = 0x0A
	OpAsyncEventReq    uint8 = 0x0C
)

// NVM command opcodes. Only Read is used by the core, for the vector-learning
// probe IO.
const (
	OpFlush uint8 = 0x00
	OpWrite uint8 = 0x01
	OpRead  uint8 = 0x02
)

// Feature identifiers for Get/Set Features.
const (
	FeatureLBARangeType   uint8 = 0x03
	FeatureNumberOfQueues uint8 = 0x07
	FeatureIntCoalescing  uint8 = 0x08
)

// Identify CNS values.
const (
	CNSNamespace  uint32 = 0
	CNSController uint32 = 1
)

// Command is one submission queue entry. The CID field is assigned by the
// command slot pool at submit time.
type Command struct {
	Opcode   uint8
	Flags    uint8
	CID      uint16
	NSID     uint32
	Metadata uint64
	PRP1     uint64
	PRP2     uint64
	CDW10    uint32
	CDW11    uint32
	CDW12    uint32
	CDW13    uint32
	CDW14    uint32
	CDW15    uint32
}

// Marshal encodes the command into b, which must be at least CommandSize
// bytes. DW2 and DW3 are reserved and always zero.
func (c *Command) Marshal(b []byte) error {
	if len(b) < CommandSize {
		return errors.ErrInvalidParameter
	}
	binary.LittleEndian.PutUint32(b[0:4],
		uint32(c.Opcode)|uint32(c.Flags)<<8|uint32(c.CID)<<16)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint64(b[8:16], 0)
	binary.LittleEndian.PutUint64(b[16:24], c.Metadata)
	binary.LittleEndian.PutUint64(b[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(b[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
	return nil
}

// UnmarshalCommand decodes a submission entry from b.
func UnmarshalCommand(b []byte) (Command, error) {
	if len(b) < CommandSize {
		return Command{}, errors.ErrInvalidParameter
	}
	dw0 := binary.LittleEndian.Uint32(b[0:4])
	return Command{
		Opcode:   uint8(dw0),
		Flags:    uint8(dw0 >> 8),
		CID:      uint16(dw0 >> 16),
		NSID:     binary.LittleEndian.Uint32(b[4:8]),
		Metadata: binary.LittleEndian.Uint64(b[16:24]),
		PRP1:     binary.LittleEndian.Uint64(b[24:32]),
		PRP2:     binary.LittleEndian.Uint64(b[32:40]),
		CDW10:    binary.LittleEndian.Uint32(b[40:44]),
		CDW11:    binary.LittleEndian.Uint32(b[44:48]),
		CDW12:    binary.LittleEndian.Uint32(b[48:52]),
		CDW13:    binary.LittleEndian.Uint32(b[52:56]),
		CDW14:    binary.LittleEndian.Uint32(b[56:60]),
		CDW15:    binary.LittleEndian.Uint32(b[60:64]),
	}, nil
}

// Completion is one completion queue entry. Status packs the phase tag in bit
// 0, SC in bits 8:1 and SCT in bits 11:9.
type Completion struct {
	Result uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

func (c Completion) Phase() bool { return c.Status&1 != 0 }
func (c Completion) SC() uint8   { return uint8(c.Status >> 1) }
func (c Completion) SCT() uint8  { return uint8(c.Status>>9) & 0x7 }

// OK reports a successful generic-status completion.
func (c Completion) OK() bool { return c.SC() == 0 && c.SCT() == 0 }

// Err converts a failed completion into a CommandError, or nil on success.
func (c Completion) Err(opcode uint8) error {
	if c.OK() {
		return nil
	}
	return &errors.CommandError{Opcode: opcode, SC: c.SC(), SCT: c.SCT()}
}

// StatusWord packs SC, SCT and the phase tag into a completion status word.
func StatusWord(sc, sct uint8, phase bool) uint16 {
	s := uint16(sc)<<1 | uint16(sct&0x7)<<9
	if phase {
		s |= 1
	}
	return s
}

// Marshal encodes the completion into b, which must be at least
// CompletionSize bytes.
func (c *Completion) Marshal(b []byte) error {
	if len(b) < CompletionSize {
		return errors.ErrInvalidParameter
	}
	binary.LittleEndian.PutUint32(b[0:4], c.Result)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint16(b[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(b[10:12], c.SQID)
	binary.LittleEndian.PutUint16(b[12:14], c.CID)
	binary.LittleEndian.PutUint16(b[14:16], c.Status)
	return nil
}

// UnmarshalCompletion decodes a completion entry from b.
func UnmarshalCompletion(b []byte) (Completion, error) {
	if len(b) < CompletionSize {
		return Completion{}, errors.ErrInvalidParameter
	}
	return Completion{
		Result: binary.LittleEndian.Uint32(b[0:4]),
		SQHead: binary.LittleEndian.Uint16(b[8:10]),
		SQID:   binary.LittleEndian.Uint16(b[10:12]),
		CID:    binary.LittleEndian.Uint16(b[12:14]),
		Status: binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// PhaseAt reads just the phase bit of the completion entry stored at b
// without decoding the rest. Callers that need ordering against the other
// fields must re-read the full entry after observing a phase flip.
func PhaseAt(b []byte) bool {
	return binary.LittleEndian.Uint16(b[14:16])&1 != 0
}

// CreateIOCplQueueCommand builds the Create IO Completion Queue admin command
// for the queue with the given id, entry count, backing physical address and
// interrupt vector.
func CreateIOCplQueueCommand(id uint16, entries uint32, prp1 uint64, vector uint16, intEnable bool) Command {
	cdw11 := uint32(1) // PC: physically contiguous
	if intEnable {
		cdw11 |= 1 << 1
	}
	cdw11 |= uint32(vector) << 16
	return Command{
		Opcode: OpCreateIOCplQueue,
		PRP1:   prp1,
		CDW10:  uint32(id) | (entries-1)<<16,
		CDW11:  cdw11,
	}
}

// CreateIOSubQueueCommand builds the Create IO Submission Queue admin command.
// cqid is the paired completion queue.
func CreateIOSubQueueCommand(id uint16, entries uint32, prp1 uint64, cqid uint16) Command {
	return Command{
		Opcode: OpCreateIOSubQueue,
		PRP1:   prp1,
		CDW10:  uint32(id) | (entries-1)<<16,
		CDW11:  1 | uint32(cqid)<<16, // PC | CQID
	}
}

// DeleteIOQueueCommand builds a Delete IO Submission/Completion Queue command.
func DeleteIOQueueCommand(opcode uint8, id uint16) Command {
	return Command{Opcode: opcode, CDW10: uint32(id)}
}

// IdentifyCommand builds an Identify admin command. For CNSController the
// NSID is ignored by the controller.
func IdentifyCommand(cns uint32, nsid uint32, prp1 uint64) Command {
	return Command{Opcode: OpIdentify, NSID: nsid, PRP1: prp1, CDW10: cns}
}

// SetFeaturesCommand and GetFeaturesCommand build the feature access
// commands; cdw11 carries the feature-specific payload.
func SetFeaturesCommand(fid uint8, nsid uint32, cdw11 uint32, prp1 uint64) Command {
	return Command{Opcode: OpSetFeatures, NSID: nsid, PRP1: prp1, CDW10: uint32(fid), CDW11: cdw11}
}

func GetFeaturesCommand(fid uint8, nsid uint32, prp1 uint64) Command {
	return Command{Opcode: OpGetFeatures, NSID: nsid, PRP1: prp1, CDW10: uint32(fid)}
}

// NumberOfQueuesCDW11 packs the zero-based submission/completion queue counts
// requested via Set Features(NumberOfQueues).
func NumberOfQueuesCDW11(nsq, ncq uint16) uint32 {
	return uint32(nsq) | uint32(ncq)<<16
}

// IntCoalescingCDW11 packs the aggregation threshold (entries) and time
// (100us increments) for Set Features(IntCoalescing).
func IntCoalescingCDW11(threshold, time uint8) uint32 {
	return uint32(threshold) | uint32(time)<<8
}
