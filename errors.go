// Copyright 2025 Edgeo SCADA
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

package slave

import (
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes returned to masters.
const (
	ExceptionIllegalFunction     ExceptionCode = 0x01
	ExceptionIllegalDataAddress  ExceptionCode = 0x02
	ExceptionIllegalDataValue    ExceptionCode = 0x03
	ExceptionServerDeviceFailure ExceptionCode = 0x04
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError represents a Modbus protocol error (exception response).
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, e.FunctionCode)
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// Store and lifecycle errors.
var (
	// ErrAddressConflict indicates two variables claim the same address or
	// register bit within one area.
	ErrAddressConflict = errors.New("slave: address conflict")

	// ErrInvalidSpan indicates a two-register variable would overflow the
	// 0-65535 address space.
	ErrInvalidSpan = errors.New("slave: invalid register span")

	// ErrInvalidVariable indicates a variable definition is malformed
	// (unknown area or data type, bit out of range).
	ErrInvalidVariable = errors.New("slave: invalid variable")

	// ErrUndefinedAddress indicates no variable claims the address.
	ErrUndefinedAddress = errors.New("slave: undefined address")

	// ErrReadOnly indicates a write touched a read-only variable.
	ErrReadOnly = errors.New("slave: variable is read-only")

	// ErrTypeMismatch indicates a value cannot be coerced to the variable's
	// data type.
	ErrTypeMismatch = errors.New("slave: type mismatch")

	// ErrNotFound indicates no variable has the given id.
	ErrNotFound = errors.New("slave: variable not found")

	// ErrAlreadyRunning indicates start was called while not stopped.
	ErrAlreadyRunning = errors.New("slave: server already running")

	// ErrInvalidFrame indicates a malformed MBAP frame.
	ErrInvalidFrame = errors.New("slave: invalid frame")
)

// exceptionFor maps a store error to the Modbus exception answered to the
// master. Read-only violations answer illegal-data-address: the address
// exists but is not writable from the wire.
func exceptionFor(fc FunctionCode, err error) *ModbusError {
	switch {
	case errors.Is(err, ErrUndefinedAddress), errors.Is(err, ErrReadOnly):
		return NewModbusError(fc, ExceptionIllegalDataAddress)
	default:
		return NewModbusError(fc, ExceptionServerDeviceFailure)
	}
}
