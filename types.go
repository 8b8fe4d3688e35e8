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

// Package slave implements a Modbus TCP slave (server) engine with a typed,
// user-defined register table. A front-end starts the engine with a
// connection profile and a variable set, polls status and variable values,
// and receives a stream of traffic log entries.
package slave

import (
	"fmt"
	"strings"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served by the engine. Any other code is answered with an
// illegal-function exception.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// String returns a compact identifier for the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return fmt.Sprintf("Func(0x%02X)", uint8(fc))
	}
}

// Name returns the human-readable function name used in log entries.
func (fc FunctionCode) Name() string {
	switch fc {
	case FuncReadCoils:
		return "Read Coils"
	case FuncReadDiscreteInputs:
		return "Read Discrete Inputs"
	case FuncReadHoldingRegisters:
		return "Read Holding Registers"
	case FuncReadInputRegisters:
		return "Read Input Registers"
	case FuncWriteSingleCoil:
		return "Write Single Coil"
	case FuncWriteSingleRegister:
		return "Write Single Register"
	case FuncWriteMultipleCoils:
		return "Write Multiple Coils"
	case FuncWriteMultipleRegisters:
		return "Write Multiple Registers"
	default:
		return "Unknown Function"
	}
}

// Protocol constants.
const (
	// MaxReadBits is the maximum number of coils/discrete inputs per read.
	MaxReadBits = 2000

	// MaxReadRegisters is the maximum number of registers per read.
	MaxReadRegisters = 125

	// MaxWriteBits is the maximum number of coils per multiple write.
	MaxWriteBits = 1968

	// MaxWriteRegisters is the maximum number of registers per multiple write.
	MaxWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the maximum PDU size in bytes.
	MaxPDUSize = 253

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502
)

// Coil values on the wire for single-coil writes.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Area identifies one of the four Modbus addressable data areas.
type Area string

const (
	// AreaCoil (0x): read/write single bits.
	AreaCoil Area = "coil"
	// AreaDiscreteInput (1x): read-only single bits.
	AreaDiscreteInput Area = "discrete_input"
	// AreaInputRegister (3x): read-only 16-bit registers.
	AreaInputRegister Area = "input_register"
	// AreaHoldingRegister (4x): read/write 16-bit registers.
	AreaHoldingRegister Area = "holding_register"
)

// Valid reports whether the area is one of the four known data areas.
func (a Area) Valid() bool {
	switch a {
	case AreaCoil, AreaDiscreteInput, AreaInputRegister, AreaHoldingRegister:
		return true
	}
	return false
}

// Bits reports whether the area is bit-addressed (coils, discrete inputs).
func (a Area) Bits() bool {
	return a == AreaCoil || a == AreaDiscreteInput
}

// DataType selects how a variable's value maps onto its registers.
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeUint16  DataType = "uint16"
	TypeInt16   DataType = "int16"
	TypeUint32  DataType = "uint32"
	TypeFloat32 DataType = "float32"
)

// RegisterCount returns the number of 16-bit registers the type occupies.
func (t DataType) RegisterCount() uint16 {
	switch t {
	case TypeUint32, TypeFloat32:
		return 2
	default:
		return 1
	}
}

// Valid reports whether the data type is known.
func (t DataType) Valid() bool {
	switch t {
	case TypeBool, TypeUint16, TypeInt16, TypeUint32, TypeFloat32:
		return true
	}
	return false
}

// Variable is a single user-defined entry of the register table. Value holds
// a bool or a float64 (JSON-shaped); nil means "use the zero value". Bit is
// only meaningful for bool variables placed in a register area.
type Variable struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Area     Area     `json:"area"`
	Address  uint16   `json:"address"`
	DataType DataType `json:"dataType"`
	Value    any      `json:"value"`
	Bit      uint8    `json:"bit,omitempty"`
	ReadOnly bool     `json:"readonly,omitempty"`
	Note     string   `json:"note,omitempty"`
}

// ConnectionProfile describes where the slave listens. It is read once at
// start; the engine never mutates it.
type ConnectionProfile struct {
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
	UnitID UnitID `json:"unitId"`
}

// Addr returns the host:port listen address.
func (p ConnectionProfile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ServerStatus is a point-in-time snapshot of the engine state. One instance
// per running/stopped cycle; reset at every start.
type ServerStatus struct {
	Running          bool   `json:"running"`
	Host             string `json:"host"`
	Port             uint16 `json:"port"`
	UnitID           UnitID `json:"unitId"`
	ConnectionsCount uint   `json:"connectionsCount"`
	Error            string `json:"error,omitempty"`
}

// LogEntryType classifies a log entry.
type LogEntryType string

const (
	// LogRequest is an incoming request from a master.
	LogRequest LogEntryType = "request"
	// LogResponse is an outgoing slave response.
	LogResponse LogEntryType = "response"
	// LogError is a processing or transport error.
	LogError LogEntryType = "error"
	// LogInfo is an informational message (connect/disconnect, lifecycle).
	LogInfo LogEntryType = "info"
)

// LogEntry is one record of the traffic journal. Entries are immutable after
// creation; IDs are monotonic, timestamps are "seconds.milliseconds" since
// epoch as a decimal string.
type LogEntry struct {
	ID           uint64       `json:"id"`
	Timestamp    string       `json:"timestamp"`
	EntryType    LogEntryType `json:"entryType"`
	ClientAddr   string       `json:"clientAddr"`
	FunctionCode uint8        `json:"functionCode,omitempty"`
	FunctionName string       `json:"functionName,omitempty"`
	Summary      string       `json:"summary"`
	RawData      string       `json:"rawData,omitempty"`
	DurationUs   uint64       `json:"durationUs,omitempty"`
}

// timestampNow formats the current time as "seconds.milliseconds".
func timestampNow() string {
	now := timeNow()
	return fmt.Sprintf("%d.%03d", now.Unix(), now.Nanosecond()/int(time.Millisecond))
}

// hexBytes renders a frame as uppercase hex bytes separated by spaces.
func hexBytes(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
