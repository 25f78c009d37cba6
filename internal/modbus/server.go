package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mcu_simulator/internal/metrics"
	"github.com/w1xm/mcu_simulator/mcu"
)

const (
	mbapHeaderLength = 7
	maxADULength     = 260

	maxReadQuantity  = 125
	maxWriteQuantity = 123
)

// ErrBadFrame is returned for ADUs that cannot be parsed at all. The
// connection they arrived on is dropped.
var ErrBadFrame = errors.New("malformed modbus frame")

// ErrClientConnected is returned to tunnelled requests while a Modbus/TCP
// client holds the connection.
var ErrClientConnected = errors.New("another control room client is connected")

// Server serves the register store to a single Modbus/TCP client at a time.
// Further clients wait in the listen backlog until the current one leaves.
type Server struct {
	Address string
	Store   *mcu.Store
	Log     zerolog.Logger
	Metrics *metrics.Collector

	// RetryDelay is the pause before listening again after a bind or
	// accept failure. It defaults to one second.
	RetryDelay time.Duration

	mu    sync.Mutex
	ln    net.Listener
	conn  net.Conn
	ready chan struct{}
}

// NewServer returns a server for store on address.
func NewServer(address string, store *mcu.Store, log zerolog.Logger, m *metrics.Collector) *Server {
	return &Server{
		Address: address,
		Store:   store,
		Log:     log.With().Str("component", "modbus").Logger(),
		Metrics: m,
	}
}

func (s *Server) readyChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	return s.ready
}

// Addr waits until the server is listening and returns the bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.readyChan():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil, errors.New("listener closed")
	}
	return s.ln.Addr(), nil
}

// Serve listens and serves clients until ctx is done. Transport faults are
// logged and the server listens again; it only returns once ctx is done and
// the listener and any client connection are closed.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.closeAll()
		return nil
	})
	g.Go(func() error {
		s.listenLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Server) retryDelay() time.Duration {
	if s.RetryDelay <= 0 {
		return 1 * time.Second
	}
	return s.RetryDelay
}

func (s *Server) listenLoop(ctx context.Context) {
	for {
		if err := s.listen(ctx); err != nil && ctx.Err() == nil {
			s.Log.Error().Err(err).Str("address", s.Address).Msg("modbus listener failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay()):
		}
	}
}

func (s *Server) listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Address)
	if err != nil {
		s.Metrics.TransportError("listen")
		return fmt.Errorf("listening on %q: %w", s.Address, err)
	}
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		ln.Close()
		return ctx.Err()
	}
	s.ln = ln
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()
	s.Log.Info().Stringer("address", ln.Addr()).Msg("listening for control room")

	defer func() {
		s.mu.Lock()
		s.ln = nil
		s.mu.Unlock()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Metrics.TransportError("accept")
			return fmt.Errorf("accepting: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Server) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.Metrics.Connected(true)
	log := s.Log.With().Stringer("remote", conn.RemoteAddr()).Logger()
	log.Info().Msg("control room connected")

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		s.Metrics.Connected(false)
	}()

	for {
		adu, err := readADU(conn)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				log.Info().Msg("control room disconnected")
			default:
				s.Metrics.TransportError("read")
				log.Warn().Err(err).Msg("dropping control room connection")
			}
			return
		}
		resp, err := s.Handle(adu)
		if err != nil {
			s.Metrics.TransportError("read")
			log.Warn().Err(err).Msg("dropping control room connection")
			return
		}
		if _, err := conn.Write(resp); err != nil {
			if ctx.Err() == nil {
				s.Metrics.TransportError("write")
				log.Warn().Err(err).Msg("writing response")
			}
			return
		}
	}
}

// readADU reads one MBAP-framed request.
func readADU(r io.Reader) ([]byte, error) {
	header := make([]byte, mbapHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < 2 || mbapHeaderLength-1+length > maxADULength {
		return nil, fmt.Errorf("%w: length %d", ErrBadFrame, length)
	}
	adu := make([]byte, mbapHeaderLength-1+length)
	copy(adu, header)
	if _, err := io.ReadFull(r, adu[mbapHeaderLength:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return adu, nil
}

// Handle processes one MBAP-framed request ADU and returns the response
// ADU. Protocol errors become Modbus exception responses; only frames that
// cannot be parsed return an error.
func (s *Server) Handle(adu []byte) ([]byte, error) {
	if len(adu) < mbapHeaderLength+1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(adu))
	}
	if protocol := binary.BigEndian.Uint16(adu[2:]); protocol != 0 {
		return nil, fmt.Errorf("%w: protocol id %d", ErrBadFrame, protocol)
	}
	if length := int(binary.BigEndian.Uint16(adu[4:])); length != len(adu)-mbapHeaderLength+1 {
		return nil, fmt.Errorf("%w: length %d does not match %d bytes", ErrBadFrame, length, len(adu))
	}

	pdu := &modbus.ProtocolDataUnit{
		FunctionCode: adu[mbapHeaderLength],
		Data:         adu[mbapHeaderLength+1:],
	}
	resp, err := s.handlePDU(pdu)
	result := "ok"
	if err != nil {
		var mbErr *modbus.ModbusError
		if !errors.As(err, &mbErr) {
			return nil, err
		}
		result = fmt.Sprintf("exception_%d", mbErr.ExceptionCode)
		s.Log.Debug().Err(err).Msg("exception response")
		resp = &modbus.ProtocolDataUnit{
			FunctionCode: pdu.FunctionCode | 0x80,
			Data:         []byte{mbErr.ExceptionCode},
		}
	}
	s.Metrics.ModbusRequest(functionName(pdu.FunctionCode), result)

	out := make([]byte, mbapHeaderLength+1+len(resp.Data))
	copy(out, adu[:4])
	binary.BigEndian.PutUint16(out[4:], uint16(2+len(resp.Data)))
	out[6] = adu[6]
	out[mbapHeaderLength] = resp.FunctionCode
	copy(out[mbapHeaderLength+1:], resp.Data)
	return out, nil
}

func functionName(code byte) string {
	switch code {
	case modbus.FuncCodeReadHoldingRegisters:
		return "read_holding_registers"
	case modbus.FuncCodeWriteSingleRegister:
		return "write_single_register"
	case modbus.FuncCodeWriteMultipleRegisters:
		return "write_multiple_registers"
	}
	return "unsupported"
}

func exception(function, code byte) error {
	return &modbus.ModbusError{FunctionCode: function, ExceptionCode: code}
}

// storeException maps store errors onto exception codes.
func storeException(function byte, err error) error {
	switch {
	case errors.Is(err, mcu.ErrAddressOutOfRange), errors.Is(err, mcu.ErrReadOnly):
		return exception(function, modbus.ExceptionCodeIllegalDataAddress)
	}
	return exception(function, modbus.ExceptionCodeServerDeviceFailure)
}

func (s *Server) handlePDU(req *modbus.ProtocolDataUnit) (*modbus.ProtocolDataUnit, error) {
	fc := req.FunctionCode
	data := req.Data
	switch fc {
	case modbus.FuncCodeReadHoldingRegisters:
		if len(data) != 4 {
			return nil, exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address := int(binary.BigEndian.Uint16(data))
		quantity := int(binary.BigEndian.Uint16(data[2:]))
		if quantity < 1 || quantity > maxReadQuantity {
			return nil, exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		words, err := s.Store.Read(address, quantity)
		if err != nil {
			return nil, storeException(fc, err)
		}
		out := make([]byte, 1+2*len(words))
		out[0] = byte(2 * len(words))
		for i, w := range words {
			binary.BigEndian.PutUint16(out[1+2*i:], w)
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: out}, nil

	case modbus.FuncCodeWriteSingleRegister:
		if len(data) != 4 {
			return nil, exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address := int(binary.BigEndian.Uint16(data))
		value := binary.BigEndian.Uint16(data[2:])
		if err := s.Store.Write(address, []uint16{value}); err != nil {
			return nil, storeException(fc, err)
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), data...)}, nil

	case modbus.FuncCodeWriteMultipleRegisters:
		if len(data) < 5 {
			return nil, exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		address := int(binary.BigEndian.Uint16(data))
		quantity := int(binary.BigEndian.Uint16(data[2:]))
		count := int(data[4])
		if quantity < 1 || quantity > maxWriteQuantity || count != 2*quantity || len(data) != 5+count {
			return nil, exception(fc, modbus.ExceptionCodeIllegalDataValue)
		}
		values := make([]uint16, quantity)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(data[5+2*i:])
		}
		if err := s.Store.Write(address, values); err != nil {
			return nil, storeException(fc, err)
		}
		return &modbus.ProtocolDataUnit{FunctionCode: fc, Data: append([]byte(nil), data[:4]...)}, nil
	}
	return nil, exception(fc, modbus.ExceptionCodeIllegalFunction)
}
