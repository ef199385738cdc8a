// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package nvme

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireSizes(t *testing.T) {
	// The identify payloads are decoded with encoding/binary, so the struct
	// layouts must add up to the sizes the specification fixes.
	assert.Equal(t, uintptr(4096), unsafe.Sizeof(IdentifyController{}))
	assert.Equal(t, uintptr(4096), unsafe.Sizeof(IdentifyNamespace{}))
	assert.Equal(t, uintptr(64), unsafe.Sizeof(LBARangeEntry{}))
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := Command{
		Opcode:   OpIdentify,
		CID:      0x1234,
		NSID:     7,
		Metadata: 0x1111_2222_3333_4444,
		PRP1:     0xAAAA_BBBB_CCCC_0000,
		PRP2:     0x5555_0000,
		CDW10:    1,
		CDW11:    0xDEAD_BEEF,
		CDW15:    42,
	}
	var b [CommandSize]byte
	require.NoError(t, cmd.Marshal(b[:]))

	got, err := UnmarshalCommand(b[:])
	require.NoError(t, err)
	assert.Equal(t, cmd, got)

	assert.Error(t, cmd.Marshal(b[:32]))
	_, err = UnmarshalCommand(b[:32])
	assert.Error(t, err)
}

func TestCompletionStatus(t *testing.T) {
	entry := Completion{
		Result: 0x0003_0003,
		SQHead: 5,
		SQID:   1,
		CID:    9,
		Status: StatusWord(0, 0, true),
	}
	assert.True(t, entry.Phase())
	assert.True(t, entry.OK())
	assert.NoError(t, entry.Err(OpIdentify))

	entry.Status = StatusWord(0x0B, 0, false)
	assert.False(t, entry.Phase())
	assert.Equal(t, uint8(0x0B), entry.SC())
	assert.Equal(t, uint8(0), entry.SCT())
	assert.Error(t, entry.Err(OpIdentify))

	entry.Status = StatusWord(0x02, 0x1, true)
	assert.Equal(t, uint8(0x02), entry.SC())
	assert.Equal(t, uint8(0x1), entry.SCT())
}

func TestCompletionRoundTrip(t *testing.T) {
	entry := Completion{Result: 0xCAFE, SQHead: 3, SQID: 2, CID: 77, Status: 0x4001}
	var b [CompletionSize]byte
	require.NoError(t, entry.Marshal(b[:]))

	assert.True(t, PhaseAt(b[:]))
	got, err := UnmarshalCompletion(b[:])
	require.NoError(t, err)
	assert.Equal(t, entry, got)
}

func TestDoorbellOffsets(t *testing.T) {
	tests := []struct {
		name   string
		dstrd  uint8
		id     uint16
		sqWant uint32
		cqWant uint32
	}{
		{"admin stride 0", 0, 0, 0x1000, 0x1004},
		{"queue 1 stride 0", 0, 1, 0x1008, 0x100C},
		{"queue 3 stride 0", 0, 3, 0x1018, 0x101C},
		{"queue 1 stride 1", 1, 1, 0x1010, 0x1018},
		{"queue 2 stride 4", 4, 2, 0x1000 + 4*64, 0x1000 + 5*64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cap := Cap{DSTRD: tt.dstrd}
			assert.Equal(t, tt.sqWant, SubQueueDoorbell(tt.id, cap))
			assert.Equal(t, tt.cqWant, CplQueueDoorbell(tt.id, cap))
		})
	}
}

func TestConfigWord(t *testing.T) {
	c := Config{
		Enable: true,
		CSS:    CCCommandSetNVM,
		MPS:    0, // 4KiB pages
		AMS:    CCArbRoundRobin,
		SHN:    ShutdownNormal,
		IOSQES: SQEntryShift,
		IOCQES: CQEntryShift,
	}
	assert.Equal(t, c, configFromWord(c.word()))

	// EN bit 0, SHN bits 15:14, IOSQES 19:16, IOCQES 23:20.
	w := c.word()
	assert.Equal(t, uint32(1), w&1)
	assert.Equal(t, uint32(1), w>>14&0x3)
	assert.Equal(t, uint32(6), w>>16&0xF)
	assert.Equal(t, uint32(4), w>>20&0xF)
}

func TestIdentifyRoundTrip(t *testing.T) {
	ident := IdentifyController{VendorID: 0x8086, Nn: 4, Aerl: 3}
	copy(ident.SerialNumber[:], "S123")
	b := EncodeIdentifyController(&ident)
	require.Len(t, b, IdentifySize)
	got, err := DecodeIdentifyController(b)
	require.NoError(t, err)
	assert.Equal(t, ident, got)

	ns := IdentifyNamespace{Nsze: 1024, Ncap: 1024, Nlbaf: 1}
	ns.Lbaf[0].Lbads = 9
	nb := EncodeIdentifyNamespace(&ns)
	require.Len(t, nb, IdentifySize)
	gotNS, err := DecodeIdentifyNamespace(nb)
	require.NoError(t, err)
	assert.Equal(t, ns, gotNS)
}

func TestLBARangeEntries(t *testing.T) {
	buf := make([]byte, IdentifySize)
	entry := nvmeTestRange(LBARangeFilesystem, LBARangeAttrOverwriteable, 2048)
	require.NoError(t, EncodeLBARangeEntry(buf, 0, &entry))
	hidden := nvmeTestRange(LBARangeCache, LBARangeAttrHidden, 64)
	require.NoError(t, EncodeLBARangeEntry(buf, 1, &hidden))

	got, err := DecodeLBARangeEntry(buf, 0)
	require.NoError(t, err)
	assert.True(t, got.Overwriteable())
	assert.False(t, got.Hidden())
	assert.Equal(t, uint64(2048), got.NLB)

	got, err = DecodeLBARangeEntry(buf, 1)
	require.NoError(t, err)
	assert.True(t, got.Hidden())

	_, err = DecodeLBARangeEntry(buf, MaxLBARanges)
	assert.Error(t, err)
}

func nvmeTestRange(typ, attrs uint8, nlb uint64) LBARangeEntry {
	return LBARangeEntry{Type: typ, Attributes: attrs, NLB: nlb}
}

type fakeMMIO struct {
	regs map[uint32]uint32
}

func (f *fakeMMIO) ReadRegister32(off uint32) (uint32, error) {
	return f.regs[off], nil
}

func (f *fakeMMIO) WriteRegister32(off uint32, v uint32) error {
	f.regs[off] = v
	return nil
}

func TestRegistersGateway(t *testing.T) {
	mmio := &fakeMMIO{regs: map[uint32]uint32{
		RegCAP:     uint32(1023) | 2<<24, // MQES=1023, TO=2
		RegCAP + 4: 0x1,                  // DSTRD=1
	}}
	regs := NewRegisters(mmio)

	cap, err := regs.ReadCap()
	require.NoError(t, err)
	assert.Equal(t, uint16(1023), cap.MQES)
	assert.Equal(t, uint8(2), cap.TO)
	assert.Equal(t, uint8(1), cap.DSTRD)
	assert.Equal(t, uint32(8), cap.DoorbellStride())

	require.NoError(t, regs.ProgramAdminQueues(128, 128, 0x1_0000_2000, 0x9_0000_3000))
	assert.Equal(t, uint32(127|127<<16), mmio.regs[RegAQA])
	assert.Equal(t, uint32(0x2000), mmio.regs[RegASQ])
	assert.Equal(t, uint32(0x1), mmio.regs[RegASQ+4])
	assert.Equal(t, uint32(0x3000), mmio.regs[RegACQ])
	assert.Equal(t, uint32(0x9), mmio.regs[RegACQ+4])

	require.NoError(t, regs.WriteConfig(Config{Enable: true, IOSQES: 6, IOCQES: 4}))
	cc, err := regs.ReadConfig()
	require.NoError(t, err)
	assert.True(t, cc.Enable)

	mmio.regs[RegCSTS] = 1 | ShutdownStatusComplete<<2
	sts, err := regs.ReadStatus()
	require.NoError(t, err)
	assert.True(t, sts.Ready)
	assert.Equal(t, ShutdownStatusComplete, sts.SHST)
}
