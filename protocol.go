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
	"encoding/binary"
	"fmt"
	"io"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	header := f.Header.Encode()
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, header)
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Bytes returns the wire form of the frame without touching the length
// field. Use Encode when building a frame from scratch.
func (f *Frame) Bytes() []byte {
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// ReadFrame reads a complete Modbus TCP frame from a reader. It validates
// the protocol identifier and the length field; a violation means the byte
// stream cannot be resynchronized and the connection must be dropped.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}

	if f.Header.ProtocolID != ProtocolID {
		return nil, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, f.Header.ProtocolID)
	}

	pduLen := int(f.Header.Length) - 1 // Length includes Unit ID
	if pduLen < 1 || pduLen > MaxPDUSize {
		return nil, fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}

	f.PDU = make([]byte, pduLen)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}

	return &f, nil
}

// Request is a decoded request PDU. Which fields are populated depends on
// the function code: reads carry Addr/Quantity, single writes Addr/Value,
// multiple writes Addr/Quantity plus Bits or Words. Unsupported function
// codes decode to a Request with Supported=false so the handler can answer
// an illegal-function exception while still logging the code.
type Request struct {
	Function  FunctionCode
	Supported bool
	Addr      uint16
	Quantity  uint16
	Value     uint16
	Bits      []bool
	Words     []uint16
}

// ParseRequest decodes a request PDU. Malformed or out-of-spec PDUs return a
// *ModbusError carrying the exception code to answer; the connection itself
// stays usable.
func ParseRequest(pdu []byte) (*Request, error) {
	if len(pdu) < 1 {
		return nil, NewModbusError(0, ExceptionIllegalFunction)
	}
	req := &Request{Function: FunctionCode(pdu[0]), Supported: true}

	switch req.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return parseReadRequest(req, pdu, MaxReadBits)
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		return parseReadRequest(req, pdu, MaxReadRegisters)
	case FuncWriteSingleCoil:
		return parseWriteSingleCoil(req, pdu)
	case FuncWriteSingleRegister:
		return parseWriteSingle(req, pdu)
	case FuncWriteMultipleCoils:
		return parseWriteMultipleCoils(req, pdu)
	case FuncWriteMultipleRegisters:
		return parseWriteMultipleRegisters(req, pdu)
	default:
		req.Supported = false
		return req, nil
	}
}

func parseReadRequest(req *Request, pdu []byte, maxQty uint16) (*Request, error) {
	if len(pdu) < 5 {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	req.Addr = binary.BigEndian.Uint16(pdu[1:3])
	req.Quantity = binary.BigEndian.Uint16(pdu[3:5])

	if req.Quantity < 1 || req.Quantity > maxQty {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	if uint32(req.Addr)+uint32(req.Quantity) > areaSize {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataAddress)
	}
	return req, nil
}

func parseWriteSingleCoil(req *Request, pdu []byte) (*Request, error) {
	if len(pdu) < 5 {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	req.Addr = binary.BigEndian.Uint16(pdu[1:3])
	req.Value = binary.BigEndian.Uint16(pdu[3:5])

	if req.Value != CoilOn && req.Value != CoilOff {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	req.Bits = []bool{req.Value == CoilOn}
	return req, nil
}

func parseWriteSingle(req *Request, pdu []byte) (*Request, error) {
	if len(pdu) < 5 {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	req.Addr = binary.BigEndian.Uint16(pdu[1:3])
	req.Value = binary.BigEndian.Uint16(pdu[3:5])
	req.Words = []uint16{req.Value}
	return req, nil
}

func parseWriteMultipleCoils(req *Request, pdu []byte) (*Request, error) {
	if len(pdu) < 6 {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	req.Addr = binary.BigEndian.Uint16(pdu[1:3])
	req.Quantity = binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if req.Quantity < 1 || req.Quantity > MaxWriteBits {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	if uint32(req.Addr)+uint32(req.Quantity) > areaSize {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataAddress)
	}
	if byteCount != int(req.Quantity+7)/8 || len(pdu) < 6+byteCount {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}

	req.Bits = make([]bool, req.Quantity)
	for i := uint16(0); i < req.Quantity; i++ {
		req.Bits[i] = pdu[6+i/8]&(1<<(i%8)) != 0
	}
	return req, nil
}

func parseWriteMultipleRegisters(req *Request, pdu []byte) (*Request, error) {
	if len(pdu) < 6 {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	req.Addr = binary.BigEndian.Uint16(pdu[1:3])
	req.Quantity = binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if req.Quantity < 1 || req.Quantity > MaxWriteRegisters {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}
	if uint32(req.Addr)+uint32(req.Quantity) > areaSize {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataAddress)
	}
	if byteCount != int(req.Quantity)*2 || len(pdu) < 6+byteCount {
		return nil, NewModbusError(req.Function, ExceptionIllegalDataValue)
	}

	req.Words = make([]uint16, req.Quantity)
	for i := uint16(0); i < req.Quantity; i++ {
		req.Words[i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}
	return req, nil
}

// BuildBitsResponse builds the PDU answering a coil/discrete-input read.
func BuildBitsResponse(fc FunctionCode, values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	pdu := make([]byte, 2+byteCount)
	pdu[0] = byte(fc)
	pdu[1] = byte(byteCount)
	for i, v := range values {
		if v {
			pdu[2+i/8] |= 1 << (i % 8)
		}
	}
	return pdu
}

// BuildWordsResponse builds the PDU answering a register read.
func BuildWordsResponse(fc FunctionCode, values []uint16) []byte {
	pdu := make([]byte, 2+len(values)*2)
	pdu[0] = byte(fc)
	pdu[1] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[2+i*2:], v)
	}
	return pdu
}

// BuildEchoResponse builds the PDU answering a single write: the function
// code followed by the echoed address and value.
func BuildEchoResponse(fc FunctionCode, addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// BuildWriteMultipleResponse builds the PDU answering a multiple write: the
// function code followed by the start address and quantity written.
func BuildWriteMultipleResponse(fc FunctionCode, addr, qty uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	return pdu
}

// BuildExceptionResponse builds an exception PDU: the function code with its
// high bit set, followed by the exception code.
func BuildExceptionResponse(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

// EncodeResponse wraps a response PDU in an MBAP header mirroring the
// request's transaction and unit identifiers.
func EncodeResponse(transactionID uint16, unitID UnitID, pdu []byte) []byte {
	f := Frame{
		Header: MBAPHeader{
			TransactionID: transactionID,
			ProtocolID:    ProtocolID,
			UnitID:        unitID,
		},
		PDU: pdu,
	}
	return f.Encode()
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && pdu[0]&0x80 != 0
}
