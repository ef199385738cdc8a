// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package nvme

// Register byte offsets within the controller's BAR0 window.
const (
	RegCAP  uint32 = 0x00 // Controller Capabilities, 8 bytes
	RegVS   uint32 = 0x08
	RegCC   uint32 = 0x14 // Controller Configuration
	RegCSTS uint32 = 0x1C // Controller Status
	RegAQA  uint32 = 0x24 // Admin Queue Attributes
	RegASQ  uint32 = 0x28 // Admin Submission Queue Base, 8 bytes
	RegACQ  uint32 = 0x30 // Admin Completion Queue Base, 8 bytes

	// DoorbellBase is the start of the doorbell block; individual doorbell
	// offsets depend on CAP.DSTRD and are computed in bytes.
	DoorbellBase uint32 = 0x1000
)

// CC field values.
const (
	CCCommandSetNVM uint32 = 0 // CSS
	CCArbRoundRobin uint32 = 0 // AMS

	// SHN values.
	ShutdownNone   uint32 = 0
	ShutdownNormal uint32 = 1
	ShutdownAbrupt uint32 = 2
)

// CSTS.SHST values.
const (
	ShutdownStatusNormal    uint32 = 0
	ShutdownStatusOccurring uint32 = 1
	ShutdownStatusComplete  uint32 = 2
)

// MemPageShift is the architectural minimum memory page size; CC.MPS is
// relative to it.
const MemPageShift = 12

// AQA completion-queue-size field position.
const aqaCQSShift = 16

// MMIO is the register access contract the gateway needs from the platform:
// 32-bit loads and stores at byte offsets within the controller window.
// 64-bit registers are accessed as two 32-bit halves, low word first.
type MMIO interface {
	ReadRegister32(offset uint32) (uint32, error)
	WriteRegister32(offset uint32, value uint32) error
}

// Cap is the decoded Controller Capabilities register.
type Cap struct {
	MQES   uint16 // Maximum Queue Entries Supported, zero based
	TO     uint8  // Timeout, in 500ms units
	DSTRD  uint8  // Doorbell Stride, as an exponent
	MPSMin uint8
	MPSMax uint8
}

// DoorbellStride returns the distance in bytes between consecutive doorbell
// registers.
func (c Cap) DoorbellStride() uint32 { return 4 << c.DSTRD }

// Config mirrors the writable CC fields the driver programs.
type Config struct {
	Enable bool
	CSS    uint32
	MPS    uint32
	AMS    uint32
	SHN    uint32
	IOSQES uint32
	IOCQES uint32
}

func (c Config) word() uint32 {
	var w uint32
	if c.Enable {
		w |= 1
	}
	w |= (c.CSS & 0x7) << 4
	w |= (c.MPS & 0xF) << 7
	w |= (c.AMS & 0x7) << 11
	w |= (c.SHN & 0x3) << 14
	w |= (c.IOSQES & 0xF) << 16
	w |= (c.IOCQES & 0xF) << 20
	return w
}

func configFromWord(w uint32) Config {
	return Config{
		Enable: w&1 != 0,
		CSS:    w >> 4 & 0x7,
		MPS:    w >> 7 & 0xF,
		AMS:    w >> 11 & 0x7,
		SHN:    w >> 14 & 0x3,
		IOSQES: w >> 16 & 0xF,
		IOCQES: w >> 20 & 0xF,
	}
}

// Status is the decoded CSTS register.
type Status struct {
	Ready bool
	CFS   bool
	SHST  uint32
}

// Registers is the typed gateway over the controller's MMIO window. It owns
// no state beyond the access interface; every method is a short, fixed
// sequence of 32-bit register accesses.
type Registers struct {
	mmio MMIO
}

func NewRegisters(mmio MMIO) *Registers {
	return &Registers{mmio: mmio}
}

// ReadCap reads and decodes Controller Capabilities.
func (r *Registers) ReadCap() (Cap, error) {
	lo, err := r.mmio.ReadRegister32(RegCAP)
	if err != nil {
		return Cap{}, err
	}
	hi, err := r.mmio.ReadRegister32(RegCAP + 4)
	if err != nil {
		return Cap{}, err
	}
	return Cap{
		MQES:   uint16(lo),
		TO:     uint8(lo >> 24),
		DSTRD:  uint8(hi) & 0xF,
		MPSMin: uint8(hi>>16) & 0xF,
		MPSMax: uint8(hi>>20) & 0xF,
	}, nil
}

// ReadConfig reads and decodes CC.
func (r *Registers) ReadConfig() (Config, error) {
	w, err := r.mmio.ReadRegister32(RegCC)
	if err != nil {
		return Config{}, err
	}
	return configFromWord(w), nil
}

// WriteConfig encodes and writes CC.
func (r *Registers) WriteConfig(c Config) error {
	return r.mmio.WriteRegister32(RegCC, c.word())
}

// ReadStatus reads and decodes CSTS.
func (r *Registers) ReadStatus() (Status, error) {
	w, err := r.mmio.ReadRegister32(RegCSTS)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Ready: w&1 != 0,
		CFS:   w&2 != 0,
		SHST:  w >> 2 & 0x3,
	}, nil
}

// ProgramAdminQueues writes AQA and the 64-bit admin queue base addresses.
// The halves of ASQ and ACQ go out low word first.
func (r *Registers) ProgramAdminQueues(sqEntries, cqEntries uint32, sqBase, cqBase uint64) error {
	aqa := (sqEntries - 1) | (cqEntries-1)<<aqaCQSShift
	if err := r.mmio.WriteRegister32(RegAQA, aqa); err != nil {
		return err
	}
	if err := r.writeRegister64(RegASQ, sqBase); err != nil {
		return err
	}
	return r.writeRegister64(RegACQ, cqBase)
}

func (r *Registers) writeRegister64(offset uint32, v uint64) error {
	if err := r.mmio.WriteRegister32(offset, uint32(v)); err != nil {
		return err
	}
	return r.mmio.WriteRegister32(offset+4, uint32(v>>32))
}

// SubQueueDoorbell returns the byte offset of queue id's tail doorbell.
func SubQueueDoorbell(id uint16, cap Cap) uint32 {
	return DoorbellBase + 2*uint32(id)*cap.DoorbellStride()
}

// CplQueueDoorbell returns the byte offset of queue id's head doorbell.
func CplQueueDoorbell(id uint16, cap Cap) uint32 {
	return DoorbellBase + (2*uint32(id)+1)*cap.DoorbellStride()
}

// RingDoorbell stores the new head or tail value at the given doorbell
// offset. The caller is responsible for ordering this store after the memory
// writes it announces.
func (r *Registers) RingDoorbell(offset uint32, value uint32) error {
	return r.mmio.WriteRegister32(offset, value)
}
