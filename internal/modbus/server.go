package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"go.uber.org/zap"
)

// LatestSource provides the reading served by the register block.
type LatestSource interface {
	Latest() (machine.Reading, bool)
}

// Server answers Modbus-TCP read requests (0x03 and 0x04) from the latest
// published reading. Holding and input registers expose the same block.
// Before the first reading the block is all zeros.
type Server struct {
	source      LatestSource
	logger      *zap.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(source LatestSource, logger *zap.Logger) *Server {
	return &Server{
		source:      source,
		logger:      logger,
		idleTimeout: 5 * time.Minute,
		conns:       make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and blocks until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Modbus server listening", zap.String("address", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		request, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Modbus connection closed",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}

		response := s.respond(request)
		if _, err := conn.Write(response.Encode()); err != nil {
			s.logger.Debug("Modbus write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) respond(request *ModbusFrame) *ModbusFrame {
	if request.FunctionCode != FuncCodeReadHoldingRegisters && request.FunctionCode != FuncCodeReadInputRegisters {
		return ExceptionResponse(request, ExceptionIllegalFunction)
	}

	start, quantity, err := request.ParseReadRequest()
	if err != nil || quantity == 0 || quantity > maxReadQuantity {
		return ExceptionResponse(request, ExceptionIllegalDataValue)
	}
	if int(start)+int(quantity) > RegisterCount {
		return ExceptionResponse(request, ExceptionIllegalDataAddress)
	}

	reading, _ := s.source.Latest()
	block := EncodeReading(reading)
	return RegisterResponse(request, block[start:start+quantity])
}

// readFrame reads one MBAP framed request.
func readFrame(r io.Reader) (*ModbusFrame, error) {
	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || mbapHeaderSize+length-1 > maxFrameSize {
		return nil, fmt.Errorf("invalid frame length: %d", length)
	}

	frame := make([]byte, mbapHeaderSize+length-1)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[mbapHeaderSize:]); err != nil {
		return nil, err
	}

	return DecodeFrame(frame)
}
