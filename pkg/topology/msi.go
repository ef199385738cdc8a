// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"fmt"

	"github.com/antimetal/nvme/pkg/platform"
)

// InterruptKind classifies the interrupt resources the system granted.
type InterruptKind int

const (
	IntKindNone InterruptKind = iota
	IntKindINTx
	IntKindMSI
	IntKindMSIX
)

func (k InterruptKind) String() string {
	switch k {
	case IntKindINTx:
		return "INTx"
	case IntKindMSI:
		return "MSI"
	case IntKindMSIX:
		return "MSI-X"
	default:
		return "none"
	}
}

// MsgVector is one row of the message vector table. Core and CplQueue are
// filled by MapVectorsToCores and possibly rewritten once by the learning
// phase.
type MsgVector struct {
	ID       uint16
	Address  uint64
	Data     uint32
	Core     uint16
	CplQueue uint16
	Shared   bool
}

// EnumerateMsiMessages probes vector ids 0..NumActiveCores and classifies the
// grant. Zero granted vectors means INTx with one shared entry; one vector is
// shared MSI; a full grant is disambiguated between MSI and MSI-X by whether
// the first two vectors carry the same message address; a partial grant above
// one is treated as MSI with the first vector shared.
func (m *ResourceMap) EnumerateMsiMessages(p platform.Platform) error {
	// Assume MSI-X until the probe proves otherwise.
	m.Kind = IntKindMSIX
	m.Vectors = make([]MsgVector, m.NumActiveCores+1)

	var granted uint32
	for id := uint32(0); id <= uint32(m.NumActiveCores); id++ {
		mi, err := p.MessageInfo(id)
		if err != nil {
			if id == 0 {
				m.Kind = IntKindINTx
			}
			break
		}
		if mi.ID != id {
			return fmt.Errorf("platform returned message id %d for probe %d", mi.ID, id)
		}
		m.Vectors[id] = MsgVector{ID: uint16(id), Address: mi.Address, Data: mi.Data}
		granted = id + 1
	}
	m.MsgGranted = granted
	m.logger.Info("message vectors granted", "granted", granted, "activeCores", m.NumActiveCores)

	switch {
	case granted > uint32(m.NumActiveCores):
		// Full grant: equal addresses on the first two vectors means
		// single-address multi-data MSI rather than MSI-X.
		if m.Vectors[1].Address == m.Vectors[0].Address {
			m.Kind = IntKindMSI
		}
	case granted >= 1:
		// A single message, or a partial grant the OS should not produce;
		// either way one shared message serves every queue.
		m.Kind = IntKindMSI
		m.Vectors[0].Core = SharedCore
		m.Vectors[0].Shared = true
	default:
		m.Vectors = m.Vectors[:1]
		m.Vectors[0].Core = SharedCore
		m.Vectors[0].Shared = true
	}
	m.logger.Info("interrupt kind resolved", "kind", m.Kind.String())
	return nil
}

// MapVectorsToCores sets up the provisional 1:1 core-to-vector pairing used
// until the learning phase observes the real routing. Each core takes the
// vector whose id matches its paired completion queue. With a shared or
// partial grant the table was already completed during enumeration and
// nothing is done here.
func (m *ResourceMap) MapVectorsToCores() {
	if m.Kind != IntKindMSI && m.Kind != IntKindMSIX {
		return
	}
	if m.MsgGranted <= uint32(m.NumActiveCores) {
		return
	}
	for _, ct := range m.ActiveCores() {
		ct.MsgID = ct.CplQueue
		mv := &m.Vectors[ct.MsgID]
		mv.Core = ct.Core
		mv.CplQueue = ct.CplQueue
		m.logger.V(1).Info("provisional vector mapping", "core", ct.Core, "vector", ct.MsgID)
	}
}

// LearnVector records the observed routing for one core: the vector that
// actually serviced the learning probe replaces the provisional assignment on
// both sides of the relation.
func (m *ResourceMap) LearnVector(core, vector, cplQueue uint16) error {
	if int(core) >= len(m.Cores) || !m.Cores[core].populated {
		return fmt.Errorf("learning core %d out of range", core)
	}
	if int(vector) >= len(m.Vectors) {
		return fmt.Errorf("learning vector %d out of range", vector)
	}
	m.Cores[core].MsgID = vector
	m.Vectors[vector].Core = core
	m.Vectors[vector].CplQueue = cplQueue
	m.logger.V(1).Info("learned vector mapping", "core", core, "vector", vector, "cq", cplQueue)
	return nil
}

// MaskInterrupts and UnmaskInterrupts gate interrupt delivery around queue
// reconstruction. MSI and MSI-X masking is owned by the platform; only INTx
// is acted on here.
func (m *ResourceMap) MaskInterrupts() {
	if m.Kind == IntKindINTx {
		m.logger.V(1).Info("masking INTx interrupt")
	}
}

func (m *ResourceMap) UnmaskInterrupts() {
	if m.Kind == IntKindINTx {
		m.logger.V(1).Info("unmasking INTx interrupt")
	}
}
