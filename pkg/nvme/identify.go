// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package nvme

import (
	"bytes"
	"encoding/binary"

	"github.com/antimetal/nvme/pkg/errors"
)

// Payload sizes fixed by the specification.
const (
	IdentifySize      = 4096
	LBARangeEntrySize = 64
	MaxLBARanges      = 64
)

// IdentifyController is the CNS=1 identify payload. Reserved spans are kept
// so the struct stays exactly IdentifySize bytes for binary decoding.
type IdentifyController struct {
	VendorID     uint16
	Ssvid        uint16
	SerialNumber [20]byte
	ModelNumber  [40]byte
	Firmware     [8]byte
	Rab          uint8
	IEEE         [3]byte
	Cmic         uint8
	Mdts         uint8
	Cntlid       uint16
	Ver          uint32
	Rsvd84       [172]byte
	Oacs         uint16
	Acl          uint8
	Aerl         uint8 // Asynchronous Event Request Limit, zero based
	Frmw         uint8
	Lpa          uint8
	Elpe         uint8
	Npss         uint8
	Avscc        uint8
	Rsvd265      [247]byte
	Sqes         uint8
	Cqes         uint8
	Rsvd514      [2]byte
	Nn           uint32 // Number of Namespaces
	Oncs         uint16
	Fuses        uint16
	Fna          uint8
	Vwc          uint8
	Awun         uint16
	Awupf        uint16
	Nvscc        uint8
	Rsvd531      [173]byte
	Rsvd704      [1344]byte
	Psd          [32][32]byte
	Vs           [1024]byte
}

// LBAFormat is one entry of the namespace LBA format table.
type LBAFormat struct {
	Ms    uint16
	Lbads uint8
	Rp    uint8
}

// IdentifyNamespace is the CNS=0 identify payload for one namespace.
type IdentifyNamespace struct {
	Nsze    uint64 // Namespace Size, in logical blocks
	Ncap    uint64
	Nuse    uint64
	Nsfeat  uint8
	Nlbaf   uint8
	Flbas   uint8
	Mc      uint8
	Dpc     uint8
	Dps     uint8
	Rsvd30  [98]byte
	Lbaf    [16]LBAFormat
	Rsvd192 [192]byte
	Rsvd384 [3712]byte
}

// DecodeIdentifyController decodes a CNS=1 payload.
func DecodeIdentifyController(b []byte) (IdentifyController, error) {
	var id IdentifyController
	if len(b) < IdentifySize {
		return id, errors.ErrInvalidParameter
	}
	if err := binary.Read(bytes.NewReader(b[:IdentifySize]), binary.LittleEndian, &id); err != nil {
		return id, err
	}
	return id, nil
}

// EncodeIdentifyController encodes id into a fresh IdentifySize buffer.
func EncodeIdentifyController(id *IdentifyController) []byte {
	var buf bytes.Buffer
	buf.Grow(IdentifySize)
	binary.Write(&buf, binary.LittleEndian, id)
	return buf.Bytes()
}

// DecodeIdentifyNamespace decodes a CNS=0 payload.
func DecodeIdentifyNamespace(b []byte) (IdentifyNamespace, error) {
	var id IdentifyNamespace
	if len(b) < IdentifySize {
		return id, errors.ErrInvalidParameter
	}
	if err := binary.Read(bytes.NewReader(b[:IdentifySize]), binary.LittleEndian, &id); err != nil {
		return id, err
	}
	return id, nil
}

// EncodeIdentifyNamespace encodes id into a fresh IdentifySize buffer.
func EncodeIdentifyNamespace(id *IdentifyNamespace) []byte {
	var buf bytes.Buffer
	buf.Grow(IdentifySize)
	binary.Write(&buf, binary.LittleEndian, id)
	return buf.Bytes()
}

// LBA range types.
const (
	LBARangeReserved   uint8 = 0x00
	LBARangeFilesystem uint8 = 0x01
	LBARangeRAID       uint8 = 0x02
	LBARangeCache      uint8 = 0x03
	LBARangePageSwap   uint8 = 0x04
)

// LBA range attribute bits.
const (
	LBARangeAttrOverwriteable uint8 = 1 << 0
	LBARangeAttrHidden        uint8 = 1 << 1
)

// LBARangeEntry is one 64-byte entry of the LBA Range Type feature payload.
type LBARangeEntry struct {
	Type       uint8
	Attributes uint8
	Rsvd2      [14]byte
	SLBA       uint64
	NLB        uint64
	GUID       [16]byte
	Rsvd48     [16]byte
}

func (e LBARangeEntry) Overwriteable() bool { return e.Attributes&LBARangeAttrOverwriteable != 0 }
func (e LBARangeEntry) Hidden() bool        { return e.Attributes&LBARangeAttrHidden != 0 }

// DecodeLBARangeEntry decodes the entry at index i of a feature payload.
func DecodeLBARangeEntry(b []byte, i int) (LBARangeEntry, error) {
	var e LBARangeEntry
	off := i * LBARangeEntrySize
	if i < 0 || i >= MaxLBARanges || len(b) < off+LBARangeEntrySize {
		return e, errors.ErrInvalidParameter
	}
	if err := binary.Read(bytes.NewReader(b[off:off+LBARangeEntrySize]), binary.LittleEndian, &e); err != nil {
		return e, err
	}
	return e, nil
}

// EncodeLBARangeEntry encodes e at index i of the payload buffer b.
func EncodeLBARangeEntry(b []byte, i int, e *LBARangeEntry) error {
	off := i * LBARangeEntrySize
	if i < 0 || i >= MaxLBARanges || len(b) < off+LBARangeEntrySize {
		return errors.ErrInvalidParameter
	}
	var buf bytes.Buffer
	buf.Grow(LBARangeEntrySize)
	binary.Write(&buf, binary.LittleEndian, e)
	copy(b[off:off+LBARangeEntrySize], buf.Bytes())
	return nil
}
