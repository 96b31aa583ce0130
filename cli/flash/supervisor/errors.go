//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package supervisor

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind classifies update failures.
type Kind int

const (
	KindUnknown Kind = iota
	// File or bus I/O outside of a register access.
	KindIO
	// Bad footer magic, or an image too short to carry a footer.
	KindInvalidFormat
	KindSizeOutOfRange
	KindMisalignedImage
	KindSizeMismatch
	KindModelMismatch
	// Firmware lacks the update capability.
	KindUnsupportedDevice
	// Device did not settle into the expected state within the poll budget.
	KindDeviceBusy
	KindOpenFailed
	// Device reported a flash error status, see Error.Status.
	KindDeviceReported
	KindRetriesExhausted
	// A register or stream access failed.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io error"
	case KindInvalidFormat:
		return "invalid format"
	case KindSizeOutOfRange:
		return "size out of range"
	case KindMisalignedImage:
		return "misaligned image"
	case KindSizeMismatch:
		return "size mismatch"
	case KindModelMismatch:
		return "model mismatch"
	case KindUnsupportedDevice:
		return "unsupported device"
	case KindDeviceBusy:
		return "device busy"
	case KindOpenFailed:
		return "open failed"
	case KindDeviceReported:
		return "device reported error"
	case KindRetriesExhausted:
		return "retries exhausted"
	case KindTransport:
		return "transport error"
	default:
		return "unknown error"
	}
}

// Phase names the step of the update an error happened in.
type Phase string

const (
	PhaseFooter Phase = "footer"
	PhaseCheck  Phase = "check"
	PhaseOpen   Phase = "open"
	PhaseBlock  Phase = "block"
	PhaseVerify Phase = "verify"
	PhaseClose  Phase = "close"
	PhaseApply  Phase = "apply"
)

// Error is the typed failure returned by the footer parser, the register
// profiles and the update engine.
type Error struct {
	Kind  Kind
	Phase Phase
	// Block is the 0-based block index for PhaseBlock errors.
	Block int
	// Status is the device status for KindDeviceReported and KindOpenFailed.
	Status FlashStatus
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	where := string(e.Phase)
	if e.Phase == PhaseBlock {
		where = fmt.Sprintf("block %d", e.Block)
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if where != "" {
		msg = fmt.Sprintf("%s: %s", where, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func newError(kind Kind, phase Phase, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Phase: phase, Msg: fmt.Sprintf(format, args...)}
}

func transportError(phase Phase, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransport, Phase: phase, Msg: fmt.Sprintf(format, args...), Err: err}
}

func deviceError(phase Phase, st FlashStatus) *Error {
	return &Error{Kind: KindDeviceReported, Phase: phase, Status: st, Msg: st.Describe()}
}

// AsError returns the *Error behind err, if any.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	e, ok := errors.Cause(err).(*Error)
	return e, ok
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// inPhase stamps phase and block onto a profile error that did not set them.
func inPhase(err error, phase Phase, block int) error {
	e, ok := AsError(err)
	if !ok {
		return &Error{Kind: KindIO, Phase: phase, Block: block, Err: err}
	}
	if e.Phase == "" {
		e.Phase = phase
		e.Block = block
	}
	return err
}
