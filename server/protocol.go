package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/cloudx-io/pennyauction/config"
	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/engineapi"
)

const defaultReadTimeout = 30 * time.Second

// Listen opens the engine protocol listener on TCP or vsock
func Listen(network, address string, vsockPort int) (net.Listener, error) {
	switch network {
	case config.NetworkVsock:
		if vsockPort <= 0 {
			return nil, fmt.Errorf("invalid vsock port %d", vsockPort)
		}
		listener, err := vsock.Listen(uint32(vsockPort), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		log.Printf("INFO: Engine listening on vsock port %d", vsockPort)
		return listener, nil
	case config.NetworkTCP, "":
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return nil, fmt.Errorf("failed to create tcp listener: %w", err)
		}
		log.Printf("INFO: Engine listening on tcp %s", listener.Addr())
		return listener, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
}

// ProtocolServer serves the engine protocol: one JSON request and one JSON
// response per connection, handled by a bounded pool of workers.
type ProtocolServer struct {
	engine      *Engine
	maxWorkers  int
	readTimeout time.Duration
	inFlight    sync.WaitGroup
}

func NewProtocolServer(engine *Engine, maxWorkers int, readTimeout time.Duration) *ProtocolServer {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &ProtocolServer{engine: engine, maxWorkers: maxWorkers, readTimeout: readTimeout}
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for in-flight requests to finish.
func (s *ProtocolServer) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("ERROR: Failed to close listener: %v", err)
		}
	})
	defer stop()
	defer s.inFlight.Wait()

	semaphore := make(chan struct{}, s.maxWorkers)
	log.Printf("INFO: Worker pool initialized with %d max concurrent workers", s.maxWorkers)

	// Requests outlive shutdown so a settlement in progress is not cut short
	requestCtx := context.WithoutCancel(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("ERROR: Failed to accept connection: %v", err)
			continue
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			s.inFlight.Add(1)
			go func(c net.Conn) {
				defer s.inFlight.Done()
				defer func() { <-semaphore }()
				s.handleConnection(requestCtx, c)
			}(conn)
		default:
			log.Printf("INFO: No workers available, rejecting connection (pool full)")
			if err := conn.Close(); err != nil {
				log.Printf("ERROR: Failed to close rejected connection: %v", err)
			}
		}
	}
}

func (s *ProtocolServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Panic recovered in handleConnection: %v", r)
			writeResponse(conn, engineapi.NewErrorResult(fmt.Errorf("internal error")))
		}
		if err := conn.Close(); err != nil {
			log.Printf("ERROR: Failed to close connection: %v", err)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	var req engineapi.EngineRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Printf("ERROR: Failed to decode request: %v", err)
		writeResponse(conn, engineapi.NewErrorResult(fmt.Errorf("%w: malformed request: %v", core.ErrInvalidRequest, err)))
		return
	}

	log.Printf("INFO: Received request type: %s", req.Type)
	response := s.engine.Dispatch(ctx, req)
	if writeResponse(conn, response) {
		log.Printf("INFO: Successfully sent response for %s", req.Type)
	}
}

func writeResponse(conn net.Conn, response any) bool {
	if err := json.NewEncoder(conn).Encode(response); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
		return false
	}
	return true
}
