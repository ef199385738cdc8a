// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package topology

import (
	"fmt"
	"math/bits"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/nvme/pkg/platform"
)

// fakeTopo is the minimal platform surface enumeration needs.
type fakeTopo struct {
	nodes   []platform.GroupAffinity
	granted uint32
	shared  bool
}

func (f *fakeTopo) ReadRegister32(uint32) (uint32, error) { return 0, nil }
func (f *fakeTopo) WriteRegister32(uint32, uint32) error { return nil }
func (f *fakeTopo) PageSize() int { return 4096 }
func (f *fakeTopo) Stall(time.Duration) {}
func (f *fakeTopo) ConfigValue(string) (uint32, bool) { return 0, false }
func (f *fakeTopo) AllocateContiguous(int, int) (platform.Buffer, error) {
	return nil, fmt.Errorf("not backed")
}

func (f *fakeTopo) HighestNodeNumber() (uint32, error) {
	return uint32(len(f.nodes)) - 1, nil
}

func (f *fakeTopo) NodeAffinity(node uint32) (platform.GroupAffinity, error) {
	if int(node) >= len(f.nodes) {
		return platform.GroupAffinity{}, fmt.Errorf("no node %d", node)
	}
	return f.nodes[node], nil
}

func (f *fakeTopo) MessageInfo(id uint32) (platform.MessageInfo, error) {
	if id >= f.granted {
		return platform.MessageInfo{}, fmt.Errorf("message %d not granted", id)
	}
	addr := uint64(0xFEE00000)
	if !f.shared {
		addr += uint64(id) * 0x10
	}
	return platform.MessageInfo{ID: id, Address: addr, Data: id}, nil
}

func TestEnumerateNumaCores(t *testing.T) {
	tests := []struct {
		name      string
		nodes     []platform.GroupAffinity
		wantCores uint16
	}{
		{
			name:      "single core single node",
			nodes:     []platform.GroupAffinity{{Group: 0, Mask: 0x1}},
			wantCores: 1,
		},
		{
			name:      "four cores single node",
			nodes:     []platform.GroupAffinity{{Group: 0, Mask: 0xF}},
			wantCores: 4,
		},
		{
			name: "two nodes with hole in mask",
			nodes: []platform.GroupAffinity{
				{Group: 0, Mask: 0b0101},
				{Group: 0, Mask: 0b1010},
			},
			wantCores: 4,
		},
		{
			name: "second processor group",
			nodes: []platform.GroupAffinity{
				{Group: 0, Mask: 0x3},
				{Group: 1, Mask: 0x3},
			},
			wantCores: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewResourceMap(logr.Discard())
			require.NoError(t, m.EnumerateNumaCores(&fakeTopo{nodes: tt.nodes}))
			assert.Equal(t, tt.wantCores, m.NumActiveCores)

			// Per-node popcount matches the recorded core count, and the
			// populated rows carry unique core numbers.
			var total uint16
			for _, nn := range m.Nodes {
				assert.Equal(t, nn.CoreCount, uint16(bits.OnesCount64(nn.Mask)))
				total += nn.CoreCount
			}
			assert.Equal(t, m.NumActiveCores, total)

			seen := map[uint16]bool{}
			for _, ct := range m.ActiveCores() {
				assert.True(t, ct.Populated())
				assert.False(t, seen[ct.Core], "core %d listed twice", ct.Core)
				seen[ct.Core] = true
			}
			assert.Len(t, seen, int(tt.wantCores))
		})
	}
}

func TestEnumerateNumaCoresGroupOffset(t *testing.T) {
	// A node in group 1 starts at system core 64.
	m := NewResourceMap(logr.Discard())
	require.NoError(t, m.EnumerateNumaCores(&fakeTopo{
		nodes: []platform.GroupAffinity{{Group: 1, Mask: 0x6}},
	}))
	assert.Equal(t, uint16(2), m.NumActiveCores)
	assert.Equal(t, uint16(65), m.Nodes[0].FirstCore)
	assert.Equal(t, uint16(66), m.Nodes[0].LastCore)
	assert.False(t, m.Cores[64].Populated())
	assert.True(t, m.Cores[65].Populated())
}

func TestEnumerateMsiMessages(t *testing.T) {
	tests := []struct {
		name     string
		cores    uint16
		granted  uint32
		shared   bool
		wantKind InterruptKind
		// wantSharedVec expects vector 0 flagged shared.
		wantSharedVec bool
	}{
		{"no vectors is INTx", 1, 0, false, IntKindINTx, true},
		{"one vector is shared MSI", 4, 1, false, IntKindMSI, true},
		{"partial grant is shared MSI", 4, 2, false, IntKindMSI, true},
		{"full grant distinct addresses is MSI-X", 4, 8, false, IntKindMSIX, false},
		{"full grant same address is MSI", 4, 8, true, IntKindMSI, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewResourceMap(logr.Discard())
			mask := uint64(1)<<tt.cores - 1
			require.NoError(t, m.EnumerateNumaCores(&fakeTopo{
				nodes: []platform.GroupAffinity{{Group: 0, Mask: mask}},
			}))
			require.NoError(t, m.EnumerateMsiMessages(&fakeTopo{
				nodes:   []platform.GroupAffinity{{Group: 0, Mask: mask}},
				granted: tt.granted,
				shared:  tt.shared,
			}))

			assert.Equal(t, tt.wantKind, m.Kind)
			assert.Equal(t, tt.wantSharedVec, m.Vectors[0].Shared)
			if tt.wantSharedVec {
				assert.Equal(t, SharedCore, m.Vectors[0].Core)
			}
			wantGranted := tt.granted
			if wantGranted > uint32(tt.cores)+1 {
				wantGranted = uint32(tt.cores) + 1
			}
			assert.Equal(t, wantGranted, m.MsgGranted)
		})
	}
}

func TestMapVectorsToCores(t *testing.T) {
	m := NewResourceMap(logr.Discard())
	require.NoError(t, m.EnumerateNumaCores(&fakeTopo{
		nodes: []platform.GroupAffinity{{Group: 0, Mask: 0xF}},
	}))
	require.NoError(t, m.EnumerateMsiMessages(&fakeTopo{
		nodes:   []platform.GroupAffinity{{Group: 0, Mask: 0xF}},
		granted: 8,
	}))

	// Queue assignment happens before vector mapping.
	for i, ct := range m.ActiveCores() {
		ct.SubQueue = uint16(i) + 1
		ct.CplQueue = uint16(i) + 1
	}
	m.MapVectorsToCores()

	for i, ct := range m.ActiveCores() {
		assert.Equal(t, uint16(i)+1, ct.MsgID, "core %d takes the vector of its queue", ct.Core)
		assert.Equal(t, ct.Core, m.Vectors[ct.MsgID].Core)
		assert.Equal(t, ct.CplQueue, m.Vectors[ct.MsgID].CplQueue)
	}
}

func TestMapVectorsToCoresSharedGrantIsNoop(t *testing.T) {
	m := NewResourceMap(logr.Discard())
	require.NoError(t, m.EnumerateNumaCores(&fakeTopo{
		nodes: []platform.GroupAffinity{{Group: 0, Mask: 0xF}},
	}))
	require.NoError(t, m.EnumerateMsiMessages(&fakeTopo{
		nodes:   []platform.GroupAffinity{{Group: 0, Mask: 0xF}},
		granted: 2,
	}))
	for i, ct := range m.ActiveCores() {
		ct.SubQueue = uint16(i)%2 + 1
		ct.CplQueue = uint16(i)%2 + 1
	}
	m.MapVectorsToCores()
	for _, ct := range m.ActiveCores() {
		assert.Equal(t, uint16(0), ct.MsgID)
	}
}

func TestMapCoreToQueue(t *testing.T) {
	m := NewResourceMap(logr.Discard())
	require.NoError(t, m.EnumerateNumaCores(&fakeTopo{
		nodes: []platform.GroupAffinity{{Group: 0, Mask: 0xF}},
	}))
	for i, ct := range m.ActiveCores() {
		ct.SubQueue = uint16(i) + 1
		ct.CplQueue = uint16(i) + 1
	}

	// Until learning finishes, lookups steer at the queue under study.
	sq, cq, err := m.MapCoreToQueue(3, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), sq)
	assert.Equal(t, uint16(1), cq)

	sq, cq, err = m.MapCoreToQueue(3, 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), sq)

	// Learning complete: the stored pairing answers.
	sq, cq, err = m.MapCoreToQueue(3, m.NumActiveCores)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), sq)
	assert.Equal(t, uint16(4), cq)

	_, _, err = m.MapCoreToQueue(99, m.NumActiveCores)
	assert.Error(t, err)
}

func TestLearnVector(t *testing.T) {
	m := NewResourceMap(logr.Discard())
	require.NoError(t, m.EnumerateNumaCores(&fakeTopo{
		nodes: []platform.GroupAffinity{{Group: 0, Mask: 0x3}},
	}))
	require.NoError(t, m.EnumerateMsiMessages(&fakeTopo{
		nodes:   []platform.GroupAffinity{{Group: 0, Mask: 0x3}},
		granted: 4,
	}))

	require.NoError(t, m.LearnVector(1, 2, 2))
	assert.Equal(t, uint16(2), m.Cores[1].MsgID)
	assert.Equal(t, uint16(1), m.Vectors[2].Core)
	assert.Equal(t, uint16(2), m.Vectors[2].CplQueue)

	assert.Error(t, m.LearnVector(9, 0, 0))
	assert.Error(t, m.LearnVector(0, 9, 0))
}
