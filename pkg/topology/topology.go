// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package topology builds the static resource map that drives queue and
// interrupt assignment: which cores exist, which NUMA node owns each of them,
// which message vectors were granted, and how cores, completion queues and
// vectors pair up.
//
// The map is populated once during bring-up and is immutable in steady state
// except for the single rewrite the vector-learning phase performs. All
// relations are stored as ids on both sides; an I/O path lookup is one array
// index.
package topology

import (
	"fmt"
	"math/bits"

	"github.com/go-logr/logr"

	"github.com/antimetal/nvme/pkg/errors"
	"github.com/antimetal/nvme/pkg/platform"
)

// SharedCore marks a vector that is not bound to one core.
const SharedCore uint16 = 0xFFFF

// NumaNode describes one NUMA node and the contiguous span of system core
// numbers belonging to it.
type NumaNode struct {
	Index     uint32
	Group     uint16
	Mask      uint64
	FirstCore uint16
	LastCore  uint16
	CoreCount uint16
}

// CoreEntry is the per-logical-core row of the resource map. SubQueue,
// CplQueue and MsgID are filled during queue allocation and vector mapping,
// and may be rewritten exactly once by the learning phase.
type CoreEntry struct {
	Core     uint16
	NumaNode uint16
	Group    uint16
	SubQueue uint16
	CplQueue uint16
	MsgID    uint16

	populated bool
}

// Populated reports whether this core number exists in any node's affinity
// mask. Rows for holes in the mask stay zeroed.
func (c *CoreEntry) Populated() bool { return c.populated }

// ResourceMap is the product of topology discovery.
type ResourceMap struct {
	Nodes []NumaNode
	// Cores is indexed by system core number; holes in the affinity masks
	// leave unpopulated rows.
	Cores          []CoreEntry
	NumActiveCores uint16

	Kind       InterruptKind
	Vectors    []MsgVector
	MsgGranted uint32

	logger logr.Logger
}

func NewResourceMap(logger logr.Logger) *ResourceMap {
	return &ResourceMap{logger: logger.WithName("topology")}
}

// EnumerateNumaCores queries the platform for every NUMA node's processor
// affinity and populates the node and core tables. The populated core count
// must match the per-node mask popcounts or the map is rejected.
func (m *ResourceMap) EnumerateNumaCores(p platform.Platform) error {
	highest, err := p.HighestNodeNumber()
	if err != nil {
		return fmt.Errorf("querying highest NUMA node: %w", err)
	}
	nodeCount := highest + 1
	m.logger.Info("enumerating NUMA nodes", "nodes", nodeCount)

	m.Nodes = make([]NumaNode, 0, nodeCount)
	maxCore := 0
	var active uint16
	for node := uint32(0); node < nodeCount; node++ {
		aff, err := p.NodeAffinity(node)
		if err != nil {
			return fmt.Errorf("querying node %d affinity: %w", node, err)
		}
		count := uint16(bits.OnesCount64(aff.Mask))
		active += count
		base := int(aff.Group) * platform.AffinityMaskWidth
		if top := base + platform.AffinityMaskWidth; top > maxCore {
			maxCore = top
		}
		m.Nodes = append(m.Nodes, NumaNode{
			Index:     node,
			Group:     aff.Group,
			Mask:      aff.Mask,
			CoreCount: count,
		})
		m.logger.V(1).Info("node affinity", "node", node, "group", aff.Group,
			"mask", fmt.Sprintf("%#x", aff.Mask), "cores", count)
	}

	m.Cores = make([]CoreEntry, maxCore)
	m.NumActiveCores = active

	total := uint16(0)
	for i := range m.Nodes {
		nn := &m.Nodes[i]
		base := nn.Group * platform.AffinityMaskWidth
		nn.FirstCore = base
		nn.LastCore = base
		firstFound := false
		for bit := 0; bit < platform.AffinityMaskWidth; bit++ {
			if nn.Mask>>bit&1 == 0 {
				continue
			}
			core := base + uint16(bit)
			m.Cores[core] = CoreEntry{
				Core:      core,
				NumaNode:  uint16(nn.Index),
				Group:     nn.Group,
				populated: true,
			}
			if !firstFound {
				nn.FirstCore = core
				firstFound = true
			}
			nn.LastCore = core
			total++
		}
		m.logger.V(1).Info("node cores", "node", nn.Index,
			"first", nn.FirstCore, "last", nn.LastCore)
	}

	if total != m.NumActiveCores {
		return &errors.InvariantError{
			Msg: fmt.Sprintf("populated %d core entries, affinity masks carry %d", total, m.NumActiveCores),
		}
	}
	m.logger.Info("topology enumerated", "activeCores", m.NumActiveCores)
	return nil
}

// MapCoreToQueue returns the submission/completion queue pair serving the
// given core. While the learning phase is still walking the cores
// (learnedCores < NumActiveCores), every lookup is steered at the
// one-past-learned queue pair so the probe IO lands where the learner
// expects it.
func (m *ResourceMap) MapCoreToQueue(core uint16, learnedCores uint16) (sq, cq uint16, err error) {
	if int(core) >= len(m.Cores) || !m.Cores[core].populated {
		return 0, 0, fmt.Errorf("core %d: %w", core, errors.ErrInvalidParameter)
	}
	if learnedCores < m.NumActiveCores {
		return learnedCores + 1, learnedCores + 1, nil
	}
	ct := &m.Cores[core]
	return ct.SubQueue, ct.CplQueue, nil
}

// ActiveCores iterates the populated core rows in NUMA-node order, the same
// order queue allocation walks them.
func (m *ResourceMap) ActiveCores() []*CoreEntry {
	out := make([]*CoreEntry, 0, m.NumActiveCores)
	for i := range m.Nodes {
		nn := &m.Nodes[i]
		if nn.CoreCount == 0 {
			continue
		}
		base := nn.Group * platform.AffinityMaskWidth
		for core := nn.FirstCore; core <= nn.LastCore; core++ {
			if nn.Mask>>(core-base)&1 == 0 {
				continue
			}
			out = append(out, &m.Cores[core])
		}
	}
	return out
}
