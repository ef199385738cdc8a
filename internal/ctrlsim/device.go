// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ctrlsim

import (
	"fmt"

	"github.com/antimetal/nvme/pkg/nvme"
)

// Generic status codes the model produces.
const (
	scSuccess          uint8 = 0x00
	scInvalidOpcode    uint8 = 0x01
	scInvalidField     uint8 = 0x02
	scInvalidNamespace uint8 = 0x0B
)

// ReadRegister32 implements the controller's register window.
func (s *Sim) ReadRegister32(offset uint32) (uint32, error) {
	switch offset {
	case nvme.RegCAP:
		return uint32(s.cfg.MQES) | uint32(s.cfg.TO)<<24, nil
	case nvme.RegCAP + 4:
		return uint32(s.cfg.DSTRD) & 0xF, nil
	case nvme.RegVS:
		return 0x0001_0200, nil // 1.2
	case nvme.RegCC:
		return s.cc, nil
	case nvme.RegCSTS:
		return s.csts, nil
	case nvme.RegAQA:
		return s.aqa, nil
	case nvme.RegASQ:
		return uint32(s.asq), nil
	case nvme.RegASQ + 4:
		return uint32(s.asq >> 32), nil
	case nvme.RegACQ:
		return uint32(s.acq), nil
	case nvme.RegACQ + 4:
		return uint32(s.acq >> 32), nil
	}
	return 0, fmt.Errorf("read of unmapped register %#x", offset)
}

// WriteRegister32 implements the controller's register window, including the
// doorbell block.
func (s *Sim) WriteRegister32(offset uint32, value uint32) error {
	switch offset {
	case nvme.RegCC:
		s.writeCC(value)
		return nil
	case nvme.RegAQA:
		s.aqa = value
		return nil
	case nvme.RegASQ:
		s.asq = s.asq&^uint64(0xFFFFFFFF) | uint64(value)
		return nil
	case nvme.RegASQ + 4:
		s.asq = s.asq&uint64(0xFFFFFFFF) | uint64(value)<<32
		return nil
	case nvme.RegACQ:
		s.acq = s.acq&^uint64(0xFFFFFFFF) | uint64(value)
		return nil
	case nvme.RegACQ + 4:
		s.acq = s.acq&uint64(0xFFFFFFFF) | uint64(value)<<32
		return nil
	}
	if offset >= nvme.DoorbellBase {
		return s.writeDoorbell(offset, value)
	}
	return fmt.Errorf("write of unmapped register %#x", offset)
}

func (s *Sim) writeCC(value uint32) {
	wasEnabled := s.cc&1 != 0
	s.cc = value
	enabled := value&1 != 0

	switch {
	case enabled && !wasEnabled:
		// Latch the admin queues and come ready.
		s.sq[0] = &sqState{
			base:    s.asq,
			entries: s.aqa&0xFFF + 1,
			cqid:    0,
		}
		s.cq[0] = &cqState{
			base:    s.acq,
			entries: s.aqa>>16&0xFFF + 1,
			phase:   true,
		}
		s.csts |= 1
	case !enabled && wasEnabled:
		// Reset: forget every queue.
		s.sq = map[uint16]*sqState{}
		s.cq = map[uint16]*cqState{}
		s.csts = 0
	}

	if shn := value >> 14 & 0x3; shn != 0 && defaultTrue(s.cfg.AnswerShutdown) {
		s.csts = s.csts&^uint32(0xC) | nvme.ShutdownStatusComplete<<2
	}
}

func (s *Sim) writeDoorbell(offset uint32, value uint32) error {
	stride := uint32(4) << s.cfg.DSTRD
	idx := (offset - nvme.DoorbellBase) / stride
	qid := uint16(idx / 2)
	if idx%2 == 1 {
		// Completion head acknowledgement; the model does not throttle.
		return nil
	}
	sqs, ok := s.sq[qid]
	if !ok {
		return fmt.Errorf("tail doorbell for unknown queue %d", qid)
	}
	return s.processSubQueue(qid, sqs, value)
}

// processSubQueue executes every entry between the device head and the new
// tail.
func (s *Sim) processSubQueue(qid uint16, sqs *sqState, tail uint32) error {
	if tail >= sqs.entries {
		return fmt.Errorf("queue %d tail %d out of range", qid, tail)
	}
	for sqs.head != tail {
		raw, err := s.mem(sqs.base+uint64(sqs.head)*nvme.CommandSize, nvme.CommandSize)
		if err != nil {
			return err
		}
		cmd, err := nvme.UnmarshalCommand(raw)
		if err != nil {
			return err
		}
		sqs.head = (sqs.head + 1) % sqs.entries
		if err := s.execute(qid, sqs, cmd); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one command and posts its completion. Asynchronous event
// requests are parked: they complete only when an event fires, which the
// model never raises on its own.
func (s *Sim) execute(qid uint16, sqs *sqState, cmd nvme.Command) error {
	if cmd.Opcode == nvme.OpAsyncEventReq && qid == 0 {
		return nil
	}

	var result uint32
	sc, sct := scSuccess, uint8(0)

	if s.cfg.CommandHook != nil {
		if hsc, hsct, override := s.cfg.CommandHook(cmd); override {
			sc, sct = hsc, hsct
			return s.complete(sqs, qid, cmd, result, sc, sct)
		}
	}

	if qid == 0 {
		result, sc, sct = s.executeAdmin(cmd)
	} else {
		result, sc, sct = s.executeIO(cmd)
	}
	return s.complete(sqs, qid, cmd, result, sc, sct)
}

func (s *Sim) executeAdmin(cmd nvme.Command) (result uint32, sc, sct uint8) {
	switch cmd.Opcode {
	case nvme.OpIdentify:
		return s.executeIdentify(cmd)

	case nvme.OpSetFeatures, nvme.OpGetFeatures:
		return s.executeFeatures(cmd)

	case nvme.OpCreateIOCplQueue:
		id := uint16(cmd.CDW10)
		s.cq[id] = &cqState{
			base:    cmd.PRP1,
			entries: cmd.CDW10>>16 + 1,
			phase:   true,
			vector:  uint16(cmd.CDW11 >> 16),
		}
		return 0, scSuccess, 0

	case nvme.OpCreateIOSubQueue:
		id := uint16(cmd.CDW10)
		if _, ok := s.cq[uint16(cmd.CDW11>>16)]; !ok {
			return 0, scInvalidField, 1
		}
		s.sq[id] = &sqState{
			base:    cmd.PRP1,
			entries: cmd.CDW10>>16 + 1,
			cqid:    uint16(cmd.CDW11 >> 16),
		}
		return 0, scSuccess, 0

	case nvme.OpDeleteIOCplQueue:
		delete(s.cq, uint16(cmd.CDW10))
		return 0, scSuccess, 0

	case nvme.OpDeleteIOSubQueue:
		delete(s.sq, uint16(cmd.CDW10))
		return 0, scSuccess, 0
	}
	return 0, scInvalidOpcode, 0
}

func (s *Sim) executeIdentify(cmd nvme.Command) (uint32, uint8, uint8) {
	buf, err := s.mem(cmd.PRP1, nvme.IdentifySize)
	if err != nil {
		return 0, scInvalidField, 0
	}
	switch cmd.CDW10 {
	case nvme.CNSController:
		ident := nvme.IdentifyController{
			VendorID: 0x8086,
			Nn:       uint32(len(s.cfg.Namespaces)),
			Aerl:     3,
			Sqes:     0x66,
			Cqes:     0x44,
			Mdts:     5,
		}
		copy(ident.SerialNumber[:], "SIM0000000000000001")
		copy(ident.ModelNumber[:], "ctrlsim virtual controller")
		copy(ident.Firmware[:], "1.0")
		copy(buf, nvme.EncodeIdentifyController(&ident))
		return 0, scSuccess, 0

	case nvme.CNSNamespace:
		if cmd.NSID == 0 || int(cmd.NSID) > len(s.cfg.Namespaces) {
			return 0, scInvalidNamespace, 0
		}
		ns := s.cfg.Namespaces[cmd.NSID-1]
		ident := nvme.IdentifyNamespace{
			Nsze:  ns.Blocks,
			Ncap:  ns.Blocks,
			Nuse:  ns.Blocks,
			Nlbaf: 1,
		}
		ident.Lbaf[0].Lbads = 9
		copy(buf, nvme.EncodeIdentifyNamespace(&ident))
		return 0, scSuccess, 0
	}
	return 0, scInvalidField, 0
}

func (s *Sim) executeFeatures(cmd nvme.Command) (uint32, uint8, uint8) {
	fid := uint8(cmd.CDW10)
	switch fid {
	case nvme.FeatureIntCoalescing:
		return 0, scSuccess, 0

	case nvme.FeatureNumberOfQueues:
		requested := uint16(cmd.CDW11) + 1
		granted := requested
		if s.cfg.QueuePairsGranted != 0 && s.cfg.QueuePairsGranted < granted {
			granted = s.cfg.QueuePairsGranted
		}
		g := uint32(granted - 1)
		return g | g<<16, scSuccess, 0

	case nvme.FeatureLBARangeType:
		if cmd.NSID == 0 || int(cmd.NSID) > len(s.cfg.Namespaces) {
			return 0, scInvalidNamespace, 0
		}
		if cmd.Opcode == nvme.OpSetFeatures {
			return 0, scSuccess, 0
		}
		ns := s.cfg.Namespaces[cmd.NSID-1]
		buf, err := s.mem(cmd.PRP1, nvme.LBARangeEntrySize)
		if err != nil {
			return 0, scInvalidField, 0
		}
		entry := nvme.LBARangeEntry{
			Type: nvme.LBARangeFilesystem,
			NLB:  ns.Blocks,
		}
		if ns.Overwriteable {
			entry.Attributes |= nvme.LBARangeAttrOverwriteable
		}
		if ns.Hidden {
			entry.Attributes |= nvme.LBARangeAttrHidden
		}
		nvme.EncodeLBARangeEntry(buf, 0, &entry)
		return uint32(ns.ExtraRanges), scSuccess, 0
	}
	return 0, scInvalidField, 0
}

func (s *Sim) executeIO(cmd nvme.Command) (uint32, uint8, uint8) {
	switch cmd.Opcode {
	case nvme.OpRead, nvme.OpWrite, nvme.OpFlush:
		if cmd.NSID == 0 || int(cmd.NSID) > len(s.cfg.Namespaces) {
			return 0, scInvalidNamespace, 0
		}
		return 0, scSuccess, 0
	}
	return 0, scInvalidOpcode, 0
}

// complete writes the phase-tagged completion entry into the submission
// queue's paired completion queue and raises its vector.
func (s *Sim) complete(sqs *sqState, sqid uint16, cmd nvme.Command, result uint32, sc, sct uint8) error {
	cqs, ok := s.cq[sqs.cqid]
	if !ok {
		return fmt.Errorf("completion queue %d not created", sqs.cqid)
	}
	entry := nvme.Completion{
		Result: result,
		SQHead: uint16(sqs.head),
		SQID:   sqid,
		CID:    cmd.CID,
		Status: nvme.StatusWord(sc, sct, cqs.phase),
	}
	raw, err := s.mem(cqs.base+uint64(cqs.tail)*nvme.CompletionSize, nvme.CompletionSize)
	if err != nil {
		return err
	}
	if err := entry.Marshal(raw); err != nil {
		return err
	}
	cqs.tail++
	if cqs.tail == cqs.entries {
		cqs.tail = 0
		cqs.phase = !cqs.phase
	}

	if s.cfg.VectorsGranted > 0 {
		vector := cqs.vector
		if mapped, ok := s.cfg.VectorRouting[vector]; ok {
			vector = mapped
		}
		select {
		case s.raise <- vector:
		default:
		}
	}
	return nil
}
