// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Sentinel errors shared across the driver packages.
var (
	ErrInvalidParameter      = New("invalid parameter")
	ErrInsufficientResources = New("insufficient resources")
	ErrMMIONotMapped         = New("controller registers not mapped")
	ErrTimeout               = New("timed out")
	ErrResourceExhausted     = New("resource exhausted")
)

// CommandError reports an admin or IO command that completed with a non-zero
// status. SC and SCT are the Status Code and Status Code Type fields of the
// completion entry.
type CommandError struct {
	Opcode uint8
	SC     uint8
	SCT    uint8
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%02x failed: sc=0x%02x sct=0x%x", e.Opcode, e.SC, e.SCT)
}

// IsCommandError reports whether err carries a non-zero completion status.
func IsCommandError(err error) bool {
	var cerr *CommandError
	return As(err, &cerr)
}

// InvariantError reports a violated internal invariant, such as a core-count
// mismatch during topology enumeration.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

// Bring-up failure points. The state machine collapses every non-recoverable
// error into a FatalError whose mask is the OR of these bits.
const (
	FailIdentifyCtrl uint32 = 1 << iota
	FailIdentifyNS
	FailIntCoalescing
	FailQueueAlloc
	FailLbaRangeCheck
	FailAer
	FailCplQCreate
	FailSubQCreate
	FailCplQDelete
	FailSubQDelete
	FailUnknownState
)

// FatalError is the terminal error of the bring-up state machine.
type FatalError struct {
	Mask uint32
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("controller start failed: mask=0x%x", e.Mask)
}

// FatalMask extracts the failure mask from err, or 0 when err is not fatal.
func FatalMask(err error) uint32 {
	var ferr *FatalError
	if As(err, &ferr) {
		return ferr.Mask
	}
	return 0
}
