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
	"bytes"
	"errors"
	"testing"
)

func TestMBAPHeaderEncodeDecode(t *testing.T) {
	h := MBAPHeader{
		TransactionID: 0x1234,
		ProtocolID:    ProtocolID,
		Length:        6,
		UnitID:        17,
	}

	encoded := h.Encode()
	if len(encoded) != MBAPHeaderSize {
		t.Fatalf("Encoded header size: expected %d, got %d", MBAPHeaderSize, len(encoded))
	}

	var decoded MBAPHeader
	if err := decoded.Decode(encoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded != h {
		t.Errorf("Decoded header mismatch: expected %+v, got %+v", h, decoded)
	}
}

func TestReadFrame(t *testing.T) {
	// Read Holding Registers: txn=1, unit=1, addr=0, qty=10
	raw := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}

	frame, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Header.TransactionID != 1 {
		t.Errorf("TransactionID: expected 1, got %d", frame.Header.TransactionID)
	}
	if frame.Header.UnitID != 1 {
		t.Errorf("UnitID: expected 1, got %d", frame.Header.UnitID)
	}
	if len(frame.PDU) != 5 {
		t.Errorf("PDU length: expected 5, got %d", len(frame.PDU))
	}
	if !bytes.Equal(frame.Bytes(), raw) {
		t.Errorf("Bytes round-trip mismatch: got % X", frame.Bytes())
	}
}

func TestReadFrameInvalidProtocolID(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x00, 0x05, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}

	_, err := ReadFrame(bytes.NewReader(raw))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}

func TestReadFrameInvalidLength(t *testing.T) {
	for _, length := range []uint16{0, 1, 255} {
		raw := []byte{0x00, 0x01, 0x00, 0x00, byte(length >> 8), byte(length), 0x01}
		_, err := ReadFrame(bytes.NewReader(raw))
		if !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("Length %d: expected ErrInvalidFrame, got %v", length, err)
		}
	}
}

func TestParseRequestReads(t *testing.T) {
	req, err := ParseRequest([]byte{0x03, 0x00, 0x64, 0x00, 0x02})
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if req.Function != FuncReadHoldingRegisters {
		t.Errorf("Function: expected %v, got %v", FuncReadHoldingRegisters, req.Function)
	}
	if req.Addr != 100 || req.Quantity != 2 {
		t.Errorf("Expected addr=100 qty=2, got addr=%d qty=%d", req.Addr, req.Quantity)
	}
}

func TestParseRequestQuantityLimits(t *testing.T) {
	cases := []struct {
		name string
		pdu  []byte
	}{
		{"read coils qty 0", []byte{0x01, 0x00, 0x00, 0x00, 0x00}},
		{"read coils qty 2001", []byte{0x01, 0x00, 0x00, 0x07, 0xD1}},
		{"read registers qty 126", []byte{0x03, 0x00, 0x00, 0x00, 0x7E}},
		{"short pdu", []byte{0x03, 0x00}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest(tc.pdu)
			var mbErr *ModbusError
			if !errors.As(err, &mbErr) {
				t.Fatalf("Expected ModbusError, got %v", err)
			}
			if mbErr.ExceptionCode != ExceptionIllegalDataValue {
				t.Errorf("Expected illegal data value, got %v", mbErr.ExceptionCode)
			}
		})
	}
}

func TestParseRequestAddressOverflow(t *testing.T) {
	// addr=65535 qty=2 overflows the address space
	_, err := ParseRequest([]byte{0x03, 0xFF, 0xFF, 0x00, 0x02})
	var mbErr *ModbusError
	if !errors.As(err, &mbErr) {
		t.Fatalf("Expected ModbusError, got %v", err)
	}
	if mbErr.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("Expected illegal data address, got %v", mbErr.ExceptionCode)
	}
}

func TestParseRequestWriteSingleCoil(t *testing.T) {
	req, err := ParseRequest([]byte{0x05, 0x00, 0x0A, 0xFF, 0x00})
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if !req.Bits[0] {
		t.Error("Expected coil on")
	}

	// Anything other than 0xFF00/0x0000 is rejected
	_, err = ParseRequest([]byte{0x05, 0x00, 0x0A, 0x12, 0x34})
	var mbErr *ModbusError
	if !errors.As(err, &mbErr) || mbErr.ExceptionCode != ExceptionIllegalDataValue {
		t.Errorf("Expected illegal data value, got %v", err)
	}
}

func TestParseRequestWriteMultipleCoils(t *testing.T) {
	// 10 coils, pattern 1100110101
	pdu := []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}
	req, err := ParseRequest(pdu)
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	want := []bool{true, false, true, true, false, false, true, true, true, false}
	if len(req.Bits) != len(want) {
		t.Fatalf("Bits length: expected %d, got %d", len(want), len(req.Bits))
	}
	for i := range want {
		if req.Bits[i] != want[i] {
			t.Errorf("Bit %d: expected %v, got %v", i, want[i], req.Bits[i])
		}
	}

	// Byte count not matching quantity is rejected
	bad := []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x03, 0xCD, 0x01, 0x00}
	if _, err := ParseRequest(bad); err == nil {
		t.Error("Expected error for wrong byte count")
	}
}

func TestParseRequestWriteMultipleRegisters(t *testing.T) {
	pdu := []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	req, err := ParseRequest(pdu)
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if req.Words[0] != 0x000A || req.Words[1] != 0x0102 {
		t.Errorf("Words: expected [000A 0102], got %04X", req.Words)
	}
}

func TestParseRequestUnsupportedFunction(t *testing.T) {
	req, err := ParseRequest([]byte{0x2B, 0x0E, 0x01, 0x00})
	if err != nil {
		t.Fatalf("ParseRequest failed: %v", err)
	}
	if req.Supported {
		t.Error("Function 0x2B should be unsupported")
	}
	if req.Function != FunctionCode(0x2B) {
		t.Errorf("Function: expected 0x2B, got 0x%02X", uint8(req.Function))
	}
}

func TestBuildBitsResponse(t *testing.T) {
	pdu := BuildBitsResponse(FuncReadCoils, []bool{true, false, true, true, false, false, true, true, true})
	want := []byte{0x01, 0x02, 0xCD, 0x01}
	if !bytes.Equal(pdu, want) {
		t.Errorf("Expected % X, got % X", want, pdu)
	}
}

func TestBuildWordsResponse(t *testing.T) {
	pdu := BuildWordsResponse(FuncReadHoldingRegisters, []uint16{0x022B, 0x0064})
	want := []byte{0x03, 0x04, 0x02, 0x2B, 0x00, 0x64}
	if !bytes.Equal(pdu, want) {
		t.Errorf("Expected % X, got % X", want, pdu)
	}
}

func TestBuildExceptionResponse(t *testing.T) {
	pdu := BuildExceptionResponse(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	want := []byte{0x83, 0x02}
	if !bytes.Equal(pdu, want) {
		t.Errorf("Expected % X, got % X", want, pdu)
	}
	if !IsExceptionResponse(pdu) {
		t.Error("Exception PDU not detected")
	}
	if IsExceptionResponse([]byte{0x03, 0x02}) {
		t.Error("Normal PDU misdetected as exception")
	}
}

func TestEncodeResponse(t *testing.T) {
	frame := EncodeResponse(0x0007, 3, []byte{0x03, 0x02, 0x00, 0x2A})
	want := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x03, 0x03, 0x02, 0x00, 0x2A}
	if !bytes.Equal(frame, want) {
		t.Errorf("Expected % X, got % X", want, frame)
	}
}
