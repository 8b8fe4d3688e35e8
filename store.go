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
	"fmt"
	"math"
	"sync"
)

const areaSize = 65536

// claim records who owns one word (register areas) or one bit address
// (coil/discrete areas) of the table.
type claim struct {
	// full is the id of the variable owning the whole word, if any.
	full string
	// bits maps register bit -> owning variable id for bool variables
	// packed into a register word.
	bits map[uint8]string
	// readonly is set when any overlapping variable is read-only.
	readonly bool
}

// Store is the authoritative mapping from (area, address) to raw storage.
// It is built once from the variable list at start and is the single source
// of truth thereafter: protocol reads/writes and UI-triggered updates all go
// through it, and raw words and typed variable values are kept consistent on
// every write.
//
// All accessors are internally synchronized by one RWMutex. A reader issuing
// two separate word reads around a concurrent 32-bit update may still observe
// a torn value; Modbus itself gives no multi-register atomicity guarantee.
type Store struct {
	mu sync.RWMutex

	coils    []bool
	discrete []bool
	input    []uint16
	holding  []uint16

	vars   map[string]*Variable
	order  []string
	claims map[Area]map[uint16]*claim
}

// NewStore creates an empty store covering the full 0-65535 address space of
// each area. Until variables are loaded, every address is undefined.
func NewStore() *Store {
	s := &Store{
		coils:    make([]bool, areaSize),
		discrete: make([]bool, areaSize),
		input:    make([]uint16, areaSize),
		holding:  make([]uint16, areaSize),
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	for i := range s.coils {
		s.coils[i] = false
		s.discrete[i] = false
		s.input[i] = 0
		s.holding[i] = 0
	}
	s.vars = make(map[string]*Variable)
	s.order = s.order[:0]
	s.claims = map[Area]map[uint16]*claim{
		AreaCoil:            {},
		AreaDiscreteInput:   {},
		AreaInputRegister:   {},
		AreaHoldingRegister: {},
	}
}

// Load replaces the entire table. It fails with ErrAddressConflict when two
// variables claim overlapping addresses or register bits within one area,
// ErrInvalidSpan when a two-register variable would overflow the address
// space, and ErrInvalidVariable for malformed definitions. On failure the
// previous table is left untouched.
func (s *Store) Load(variables []Variable) error {
	claims, err := buildClaims(variables)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.claims = claims
	for i := range variables {
		v := variables[i]
		s.vars[v.ID] = &v
		s.order = append(s.order, v.ID)
		s.writeVariableLocked(&v)
	}
	return nil
}

func buildClaims(variables []Variable) (map[Area]map[uint16]*claim, error) {
	claims := map[Area]map[uint16]*claim{
		AreaCoil:            {},
		AreaDiscreteInput:   {},
		AreaInputRegister:   {},
		AreaHoldingRegister: {},
	}

	for i := range variables {
		v := &variables[i]
		if !v.Area.Valid() {
			return nil, fmt.Errorf("%w: %q: unknown area %q", ErrInvalidVariable, v.ID, v.Area)
		}
		if !v.DataType.Valid() {
			return nil, fmt.Errorf("%w: %q: unknown data type %q", ErrInvalidVariable, v.ID, v.DataType)
		}
		if v.Bit > 15 {
			return nil, fmt.Errorf("%w: %q: bit %d out of range", ErrInvalidVariable, v.ID, v.Bit)
		}
		if v.Area.Bits() && v.DataType != TypeBool {
			return nil, fmt.Errorf("%w: %q: %s area requires bool", ErrInvalidVariable, v.ID, v.Area)
		}

		span := v.DataType.RegisterCount()
		if uint32(v.Address)+uint32(span) > areaSize {
			return nil, fmt.Errorf("%w: %q: address %d spans past 65535", ErrInvalidSpan, v.ID, v.Address)
		}

		area := claims[v.Area]
		for off := uint16(0); off < span; off++ {
			addr := v.Address + off
			c := area[addr]
			if c == nil {
				c = &claim{}
				area[addr] = c
			}

			switch {
			case v.Area.Bits():
				if c.full != "" {
					return nil, fmt.Errorf("%w: %q and %q both claim %s address %d",
						ErrAddressConflict, c.full, v.ID, v.Area, addr)
				}
				c.full = v.ID
			case v.DataType == TypeBool:
				// Bool variables share a register word as long as their
				// bits differ.
				if c.full != "" {
					return nil, fmt.Errorf("%w: %q and %q both claim %s register %d",
						ErrAddressConflict, c.full, v.ID, v.Area, addr)
				}
				if owner, ok := c.bits[v.Bit]; ok {
					return nil, fmt.Errorf("%w: %q and %q both claim bit %d of %s register %d",
						ErrAddressConflict, owner, v.ID, v.Bit, v.Area, addr)
				}
				if c.bits == nil {
					c.bits = make(map[uint8]string)
				}
				c.bits[v.Bit] = v.ID
			default:
				if c.full != "" || len(c.bits) > 0 {
					return nil, fmt.Errorf("%w: %s register %d claimed twice (%q)",
						ErrAddressConflict, v.Area, addr, v.ID)
				}
				c.full = v.ID
			}

			if v.ReadOnly {
				c.readonly = true
			}
		}
	}
	return claims, nil
}

// ReadBits returns qty bit values starting at start in a coil or discrete
// input area. Every address in the range must be claimed by a variable.
func (s *Store) ReadBits(area Area, start, qty uint16) ([]bool, error) {
	if !area.Bits() {
		return nil, fmt.Errorf("%w: %s is not bit-addressed", ErrInvalidVariable, area)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkDefinedLocked(area, start, qty); err != nil {
		return nil, err
	}
	src := s.bitsOf(area)
	out := make([]bool, qty)
	copy(out, src[start:uint32(start)+uint32(qty)])
	return out, nil
}

// ReadWords returns qty register words starting at start in a register area.
// Every address in the range must be claimed by a variable.
func (s *Store) ReadWords(area Area, start, qty uint16) ([]uint16, error) {
	if area.Bits() {
		return nil, fmt.Errorf("%w: %s is not word-addressed", ErrInvalidVariable, area)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkDefinedLocked(area, start, qty); err != nil {
		return nil, err
	}
	src := s.wordsOf(area)
	out := make([]uint16, qty)
	copy(out, src[start:uint32(start)+uint32(qty)])
	return out, nil
}

// WriteBit sets one bit address. It fails with ErrUndefinedAddress when no
// variable claims the address and ErrReadOnly when the claiming variable is
// read-only.
func (s *Store) WriteBit(area Area, addr uint16, value bool) error {
	return s.WriteBits(area, addr, []bool{value})
}

// WriteBits sets a run of bit addresses. The whole range is validated before
// anything is written, so a failed write leaves the store unchanged.
func (s *Store) WriteBits(area Area, start uint16, values []bool) error {
	if !area.Bits() {
		return fmt.Errorf("%w: %s is not bit-addressed", ErrInvalidVariable, area)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(area, start, uint16(len(values))); err != nil {
		return err
	}
	dst := s.bitsOf(area)
	for i, v := range values {
		addr := start + uint16(i)
		dst[addr] = v
		s.syncFromRawLocked(area, addr)
	}
	return nil
}

// WriteWord sets one register word.
func (s *Store) WriteWord(area Area, addr, value uint16) error {
	return s.WriteWords(area, addr, []uint16{value})
}

// WriteWords sets a run of register words. The whole range is validated
// before anything is written, so a failed write leaves the store unchanged.
func (s *Store) WriteWords(area Area, start uint16, values []uint16) error {
	if area.Bits() {
		return fmt.Errorf("%w: %s is not word-addressed", ErrInvalidVariable, area)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(area, start, uint16(len(values))); err != nil {
		return err
	}
	dst := s.wordsOf(area)
	for i, v := range values {
		addr := start + uint16(i)
		dst[addr] = v
		s.syncFromRawLocked(area, addr)
	}
	return nil
}

// ReadValue returns the typed value of the variable with the given id.
func (s *Store) ReadValue(id string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s.typedValueLocked(v), nil
}

// WriteValue coerces value to the variable's data type and writes it through
// to raw storage. It fails with ErrNotFound for unknown ids, ErrReadOnly for
// read-only variables and ErrTypeMismatch when the value cannot be coerced.
func (s *Store) WriteValue(id string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vars[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if v.ReadOnly {
		return fmt.Errorf("%w: %q", ErrReadOnly, id)
	}

	canonical, err := coerceValue(v.DataType, value)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrTypeMismatch, id, err)
	}
	v.Value = canonical
	s.writeVariableLocked(v)
	return nil
}

// Variables returns a consistent point-in-time copy of all variables with
// their current values, in load order.
func (s *Store) Variables() []Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Variable, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.vars[id])
	}
	return out
}

// --- internals, all called with the lock held ---

func (s *Store) bitsOf(area Area) []bool {
	if area == AreaCoil {
		return s.coils
	}
	return s.discrete
}

func (s *Store) wordsOf(area Area) []uint16 {
	if area == AreaHoldingRegister {
		return s.holding
	}
	return s.input
}

func (s *Store) checkDefinedLocked(area Area, start, qty uint16) error {
	claims := s.claims[area]
	for addr := uint32(start); addr < uint32(start)+uint32(qty); addr++ {
		if addr > 0xFFFF {
			return fmt.Errorf("%w: %s address %d", ErrUndefinedAddress, area, addr)
		}
		if claims[uint16(addr)] == nil {
			return fmt.Errorf("%w: %s address %d", ErrUndefinedAddress, area, addr)
		}
	}
	return nil
}

func (s *Store) checkWritableLocked(area Area, start, qty uint16) error {
	if err := s.checkDefinedLocked(area, start, qty); err != nil {
		return err
	}
	claims := s.claims[area]
	for addr := uint32(start); addr < uint32(start)+uint32(qty); addr++ {
		if claims[uint16(addr)].readonly {
			return fmt.Errorf("%w: %s address %d", ErrReadOnly, area, addr)
		}
	}
	return nil
}

// writeVariableLocked pushes a variable's typed value into raw storage.
func (s *Store) writeVariableLocked(v *Variable) {
	if v.Area.Bits() {
		s.bitsOf(v.Area)[v.Address] = valueAsBool(v.Value)
		v.Value = valueAsBool(v.Value)
		return
	}

	regs := s.wordsOf(v.Area)
	switch v.DataType {
	case TypeBool:
		// Set a single bit of the word, leaving the other bits untouched.
		if valueAsBool(v.Value) {
			regs[v.Address] |= 1 << v.Bit
		} else {
			regs[v.Address] &^= 1 << v.Bit
		}
	case TypeUint16:
		regs[v.Address] = uint16(clamp(valueAsNumber(v.Value), 0, math.MaxUint16))
	case TypeInt16:
		regs[v.Address] = uint16(int16(clamp(valueAsNumber(v.Value), math.MinInt16, math.MaxInt16)))
	case TypeUint32:
		u := uint32(clamp(valueAsNumber(v.Value), 0, math.MaxUint32))
		regs[v.Address] = uint16(u >> 16)
		regs[v.Address+1] = uint16(u)
	case TypeFloat32:
		bits := math.Float32bits(float32(valueAsNumber(v.Value)))
		regs[v.Address] = uint16(bits >> 16)
		regs[v.Address+1] = uint16(bits)
	}

	v.Value = s.typedValueLocked(v)
}

// typedValueLocked reads a variable's current value out of raw storage.
func (s *Store) typedValueLocked(v *Variable) any {
	if v.Area.Bits() {
		return s.bitsOf(v.Area)[v.Address]
	}

	regs := s.wordsOf(v.Area)
	switch v.DataType {
	case TypeBool:
		return regs[v.Address]>>v.Bit&1 == 1
	case TypeUint16:
		return float64(regs[v.Address])
	case TypeInt16:
		return float64(int16(regs[v.Address]))
	case TypeUint32:
		return float64(uint32(regs[v.Address])<<16 | uint32(regs[v.Address+1]))
	case TypeFloat32:
		bits := uint32(regs[v.Address])<<16 | uint32(regs[v.Address+1])
		return float64(math.Float32frombits(bits))
	}
	return nil
}

// syncFromRawLocked refreshes the typed values of every variable overlapping
// one raw address after a protocol write.
func (s *Store) syncFromRawLocked(area Area, addr uint16) {
	c := s.claims[area][addr]
	if c == nil {
		return
	}
	if c.full != "" {
		if v := s.vars[c.full]; v != nil {
			v.Value = s.typedValueLocked(v)
		}
	}
	for _, id := range c.bits {
		if v := s.vars[id]; v != nil {
			v.Value = s.typedValueLocked(v)
		}
	}
}

// --- value coercion ---

// coerceValue converts an arbitrary (JSON-shaped) value to the canonical
// representation for a data type: bool for TypeBool, float64 otherwise.
func coerceValue(t DataType, value any) (any, error) {
	if t == TypeBool {
		return valueToBool(value)
	}
	n, err := valueToNumber(value)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func valueToBool(value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		n, err := valueToNumber(value)
		if err != nil {
			return false, err
		}
		return n != 0, nil
	}
}

func valueToNumber(value any) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

// valueAsBool and valueAsNumber read already-coerced values; anything else
// falls back to the zero value (used only for initial loads, where arbitrary
// user input is tolerated the way the UI tolerates it).
func valueAsBool(value any) bool {
	b, err := valueToBool(value)
	if err != nil {
		return false
	}
	return b
}

func valueAsNumber(value any) float64 {
	n, err := valueToNumber(value)
	if err != nil {
		return 0
	}
	return n
}

func clamp(n, lo, hi float64) float64 {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
