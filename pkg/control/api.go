// Package control implements the local control API: line-delimited JSON
// requests answered with the state of a running process.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/WebFirstLanguage/ouroboros/pkg/dev"
)

// Request represents a control API request
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Source is the process state the API reports
type Source interface {
	Name() string
	Names() []string
	Flows() []dev.FlowInfo
}

// Info is the result of the info method
type Info struct {
	Process string   `json:"process"`
	Names   []string `json:"names"`
	Flows   int      `json:"flows"`
}

// Server implements the control API server
type Server struct {
	src Source
	log zerolog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a control API server reporting on src
func NewServer(src Source, log zerolog.Logger) *Server {
	return &Server{
		src:   src,
		log:   log.With().Str("component", "control").Logger(),
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve answers connections on listener until ctx is done or the listener
// is closed. Open connections are closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()
	defer s.closeAll()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// handleConnection answers requests on one connection until it closes
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}
		if err := encoder.Encode(s.handleRequest(request)); err != nil {
			return
		}
	}
}

// handleRequest processes a single API request
func (s *Server) handleRequest(request Request) Response {
	var result interface{}
	switch request.Method {
	case "info":
		result = Info{
			Process: s.src.Name(),
			Names:   s.src.Names(),
			Flows:   len(s.src.Flows()),
		}
	case "flows":
		flows := s.src.Flows()
		if flows == nil {
			flows = []dev.FlowInfo{}
		}
		result = flows
	case "names":
		result = s.src.Names()
	default:
		return Response{
			ID:    request.ID,
			Error: fmt.Sprintf("unknown method: %s", request.Method),
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	return Response{ID: request.ID, Result: raw}
}

// Query sends one request over conn and waits for its response
func Query(ctx context.Context, conn net.Conn, method string) (Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	request := Request{Method: method, ID: uuid.NewString()}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}

	var response Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	if response.ID != request.ID {
		return Response{}, fmt.Errorf("response id %q does not match request", response.ID)
	}
	if response.Error != "" {
		return response, errors.New(response.Error)
	}
	return response, nil
}
