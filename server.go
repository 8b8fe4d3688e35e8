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
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// serverState tracks the lifecycle of the engine.
type serverState int32

const (
	stateStopped serverState = iota
	stateStarting
	stateRunning
	stateStopping
)

func (s serverState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server is the Modbus TCP slave engine: it owns the register store and the
// traffic journal, binds the TCP port, and serves each accepted connection
// on its own goroutine. The store is the only state shared between
// connection handlers.
type Server struct {
	opts    *serverOptions
	store   *Store
	journal *Journal
	metrics *ServerMetrics

	mu        sync.Mutex
	state     serverState
	profile   ConnectionProfile
	boundPort uint16
	lastErr   string
	listener  net.Listener
	conns     map[net.Conn]struct{}
	closed    int32
	wg        sync.WaitGroup
}

// NewServer creates a stopped engine. Call Start with a connection profile
// and a variable set to begin serving.
func NewServer(opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Server{
		opts:    options,
		store:   NewStore(),
		journal: NewJournal(options.journalCapacity),
		metrics: &ServerMetrics{},
		conns:   make(map[net.Conn]struct{}),
	}
}

// Metrics returns the server counters.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// Journal returns the traffic journal.
func (s *Server) Journal() *Journal {
	return s.journal
}

// Entries returns the retained log entries, oldest first.
func (s *Server) Entries() []LogEntry {
	return s.journal.Entries()
}

// Subscribe registers a log-event listener. Delivery is at-most-once per
// event; within one connection event order matches request order.
func (s *Server) Subscribe(buffer int) (<-chan LogEntry, func()) {
	return s.journal.Subscribe(buffer)
}

// Variables returns a snapshot of the variable table with current values.
func (s *Server) Variables() []Variable {
	return s.store.Variables()
}

// UpdateVariable writes one variable through the typed store path. It fails
// with ErrNotFound for unknown ids and ErrReadOnly/ErrTypeMismatch per the
// store contract.
func (s *Server) UpdateVariable(id string, value any) error {
	return s.store.WriteValue(id, value)
}

// ReloadVariables swaps the variable table without restarting the listener.
func (s *Server) ReloadVariables(variables []Variable) error {
	return s.store.Load(variables)
}

// Status returns a snapshot of the engine state. Safe to poll frequently.
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Server) statusLocked() ServerStatus {
	// A handler abandoned by the shutdown timeout may decrement the counter
	// after it was reset.
	active := s.metrics.ActiveConns.Value()
	if active < 0 {
		active = 0
	}
	return ServerStatus{
		Running:          s.state == stateRunning,
		Host:             s.profile.Host,
		Port:             s.boundPort,
		UnitID:           s.profile.UnitID,
		ConnectionsCount: uint(active),
		Error:            s.lastErr,
	}
}

// Start loads the variable table, binds the profile's host:port and begins
// accepting connections. It fails with ErrAlreadyRunning when not stopped;
// configuration and bind failures return the engine to stopped and are
// reported in ServerStatus.Error. When the profile requests port 0 the
// status reports the actual bound port.
func (s *Server) Start(profile ConnectionProfile, variables []Variable) (ServerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateStopped {
		return s.statusLocked(), ErrAlreadyRunning
	}
	s.state = stateStarting
	s.profile = profile
	s.boundPort = profile.Port
	s.lastErr = ""

	if err := s.store.Load(variables); err != nil {
		err = fmt.Errorf("invalid configuration: %w", err)
		s.state = stateStopped
		s.lastErr = err.Error()
		return s.statusLocked(), err
	}

	listener, err := net.Listen("tcp", profile.Addr())
	if err != nil {
		err = fmt.Errorf("bind %s: %w", profile.Addr(), err)
		s.state = stateStopped
		s.lastErr = err.Error()
		return s.statusLocked(), err
	}

	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.boundPort = uint16(addr.Port)
	}

	s.listener = listener
	s.conns = make(map[net.Conn]struct{})
	atomic.StoreInt32(&s.closed, 0)
	s.metrics.ActiveConns.Reset()
	s.state = stateRunning

	s.opts.logger.Info("server started",
		slog.String("addr", listener.Addr().String()),
		slog.Uint64("unit_id", uint64(profile.UnitID)),
		slog.Int("variables", len(variables)))
	s.journal.Info("", fmt.Sprintf("Server listening on %s (unit %d, %d variables)",
		listener.Addr(), profile.UnitID, len(variables)))

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return s.statusLocked(), nil
}

// Stop closes the listener and all active connections, waits up to the
// shutdown timeout for handlers to drain and resets the connection count.
// Calling Stop while already stopped just reports the current status.
func (s *Server) Stop() ServerStatus {
	s.mu.Lock()
	if s.state == stateStopped {
		defer s.mu.Unlock()
		return s.statusLocked()
	}

	s.state = stateStopping
	atomic.StoreInt32(&s.closed, 1)
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.shutdownTimeout):
		s.opts.logger.Warn("shutdown timeout, abandoning handlers")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateStopped
	s.listener = nil
	s.conns = make(map[net.Conn]struct{})
	s.metrics.ActiveConns.Reset()
	s.opts.logger.Info("server stopped")
	s.journal.Info("", "Server stopped")
	return s.statusLocked()
}

func (s *Server) closing() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing() {
				return
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if s.closing() || len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			if !s.closing() {
				s.opts.logger.Warn("max connections reached, rejecting",
					slog.String("remote", conn.RemoteAddr().String()))
			}
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		// Count the connection before its handler runs so status never
		// under-reports.
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.metrics.ActiveConns.Add(-1)
		s.journal.Info(remote, "Connection closed")
		s.wg.Done()
	}()

	s.opts.logger.Debug("connection accepted", slog.String("remote", remote))
	s.journal.Info(remote, "Connection accepted")

	for {
		if s.closing() {
			return
		}

		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			s.reportReadError(remote, err)
			return
		}

		response := s.processFrame(remote, frame)

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}
		if _, err := conn.Write(response); err != nil {
			// Socket write failures are not retried: the connection is
			// reported closed and the master retries at its own discretion.
			s.opts.logger.Debug("write error",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
	}
}

// reportReadError journals malformed framing; EOF, timeouts and shutdown
// races close the connection silently.
func (s *Server) reportReadError(remote string, err error) {
	if err == io.EOF || s.closing() {
		return
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}

	s.opts.logger.Debug("read error",
		slog.String("remote", remote),
		slog.String("error", err.Error()))
	s.journal.Append(LogEntry{
		EntryType:  LogError,
		ClientAddr: remote,
		Summary:    fmt.Sprintf("Malformed frame, closing connection: %v", err),
	})
}

// processFrame decodes one request frame, executes it against the store and
// returns the encoded response frame. Protocol-level failures answer Modbus
// exceptions; the connection stays open.
func (s *Server) processFrame(remote string, frame *Frame) []byte {
	start := timeNow()
	s.metrics.RequestsTotal.Add(1)

	// Unit id is recorded but not filtered on: Modbus TCP conventionally
	// ignores it unless gatewaying, so mismatching requests are processed.
	req, parseErr := ParseRequest(frame.PDU)

	fc := FunctionCode(frame.PDU[0])
	s.metrics.ForFunction(fc).Add(1)

	s.journal.Append(LogEntry{
		EntryType:    LogRequest,
		ClientAddr:   remote,
		FunctionCode: uint8(fc),
		FunctionName: fc.Name(),
		Summary:      requestSummary(fc, req),
		RawData:      hexBytes(frame.Bytes()),
	})

	var pdu []byte
	switch {
	case parseErr != nil:
		var mbErr *ModbusError
		if e, ok := parseErr.(*ModbusError); ok {
			mbErr = e
		} else {
			mbErr = NewModbusError(fc, ExceptionServerDeviceFailure)
		}
		pdu = BuildExceptionResponse(fc, mbErr.ExceptionCode)
	case !req.Supported:
		pdu = BuildExceptionResponse(fc, ExceptionIllegalFunction)
	default:
		pdu = s.execute(req)
	}

	response := EncodeResponse(frame.Header.TransactionID, frame.Header.UnitID, pdu)
	elapsed := uint64(timeNow().Sub(start).Microseconds())

	entry := LogEntry{
		EntryType:    LogResponse,
		ClientAddr:   remote,
		FunctionCode: uint8(fc),
		FunctionName: fc.Name(),
		RawData:      hexBytes(response),
		DurationUs:   elapsed,
	}
	if IsExceptionResponse(pdu) {
		s.metrics.Exceptions.Add(1)
		entry.EntryType = LogError
		entry.Summary = fmt.Sprintf("Exception: %s", ExceptionCode(pdu[1]))
	} else {
		s.metrics.RequestsSuccess.Add(1)
		entry.Summary = "OK"
	}
	s.journal.Append(entry)

	return response
}

// execute runs a decoded, supported request against the register store and
// builds the response PDU. Store errors map to Modbus exceptions; anything
// unexpected answers server-device-failure and keeps the connection open.
func (s *Server) execute(req *Request) []byte {
	fc := req.Function

	var err error
	switch fc {
	case FuncReadCoils:
		var values []bool
		if values, err = s.store.ReadBits(AreaCoil, req.Addr, req.Quantity); err == nil {
			return BuildBitsResponse(fc, values)
		}
	case FuncReadDiscreteInputs:
		var values []bool
		if values, err = s.store.ReadBits(AreaDiscreteInput, req.Addr, req.Quantity); err == nil {
			return BuildBitsResponse(fc, values)
		}
	case FuncReadHoldingRegisters:
		var values []uint16
		if values, err = s.store.ReadWords(AreaHoldingRegister, req.Addr, req.Quantity); err == nil {
			return BuildWordsResponse(fc, values)
		}
	case FuncReadInputRegisters:
		var values []uint16
		if values, err = s.store.ReadWords(AreaInputRegister, req.Addr, req.Quantity); err == nil {
			return BuildWordsResponse(fc, values)
		}
	case FuncWriteSingleCoil:
		if err = s.store.WriteBit(AreaCoil, req.Addr, req.Bits[0]); err == nil {
			return BuildEchoResponse(fc, req.Addr, req.Value)
		}
	case FuncWriteSingleRegister:
		if err = s.store.WriteWord(AreaHoldingRegister, req.Addr, req.Value); err == nil {
			return BuildEchoResponse(fc, req.Addr, req.Value)
		}
	case FuncWriteMultipleCoils:
		if err = s.store.WriteBits(AreaCoil, req.Addr, req.Bits); err == nil {
			return BuildWriteMultipleResponse(fc, req.Addr, req.Quantity)
		}
	case FuncWriteMultipleRegisters:
		if err = s.store.WriteWords(AreaHoldingRegister, req.Addr, req.Words); err == nil {
			return BuildWriteMultipleResponse(fc, req.Addr, req.Quantity)
		}
	default:
		return BuildExceptionResponse(fc, ExceptionIllegalFunction)
	}

	mbErr := exceptionFor(fc, err)
	if mbErr.ExceptionCode == ExceptionServerDeviceFailure {
		s.opts.logger.Error("handler error",
			slog.String("func", fc.String()),
			slog.String("error", err.Error()))
	}
	return BuildExceptionResponse(fc, mbErr.ExceptionCode)
}

func requestSummary(fc FunctionCode, req *Request) string {
	if req == nil {
		return fmt.Sprintf("%s: malformed PDU", fc.Name())
	}
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		return fmt.Sprintf("%s: addr=%d qty=%d", fc.Name(), req.Addr, req.Quantity)
	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		return fmt.Sprintf("%s: addr=%d value=0x%04X", fc.Name(), req.Addr, req.Value)
	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return fmt.Sprintf("%s: addr=%d qty=%d", fc.Name(), req.Addr, req.Quantity)
	default:
		return fc.Name()
	}
}

// timeNow is a variable for testing.
var timeNow = time.Now
