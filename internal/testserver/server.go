// Package testserver runs a scripted Electrum peer over an in-memory pipe
// for channel, api and agent tests.
package testserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/cbeuw/connutil"

	"github.com/bitlume/electrum/internal/jsonrpc"
)

// Handler answers one RPC. Returning a *jsonrpc.RPCError produces an error
// response.
type Handler func(params []json.RawMessage) (any, *jsonrpc.RPCError)

// Server is a fake Electrum peer: per-method handlers, plus Notify for
// server-pushed subscription notifications.
type Server struct {
	conn net.Conn

	mu       sync.Mutex
	handlers map[string]Handler

	writeMu sync.Mutex
}

type request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// New starts a fake peer and returns it together with the DialFunc the
// client side connects through.
func New() (*Server, jsonrpc.DialFunc) {
	clientConn, serverConn := connutil.AsyncPipe()

	s := &Server{
		conn:     serverConn,
		handlers: map[string]Handler{},
	}
	go s.serve()

	dial := func(context.Context) (jsonrpc.MessageConn, error) {
		return jsonrpc.NewStreamConn(clientConn), nil
	}

	return s, dial
}

// Handle installs the handler for a method.
func (s *Server) Handle(method string, handler Handler) {
	s.mu.Lock()
	s.handlers[method] = handler
	s.mu.Unlock()
}

// HandleResult installs a handler answering with a fixed result.
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func([]json.RawMessage) (any, *jsonrpc.RPCError) {
		return result, nil
	})
}

// Notify pushes a notification to the client.
func (s *Server) Notify(method string, params ...any) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		panic(err)
	}

	s.write(payload)
}

// Close drops the connection.
func (s *Server) Close() {
	_ = s.conn.Close()
}

func (s *Server) serve() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), 4*1024*1024)

	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		s.mu.Lock()
		handler := s.handlers[req.Method]
		s.mu.Unlock()

		response := map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}

		if handler == nil {
			response["error"] = &jsonrpc.RPCError{
				Code:    -32601,
				Message: fmt.Sprintf("unknown method %s", req.Method),
			}
		} else {
			result, rpcErr := handler(req.Params)
			if rpcErr != nil {
				response["error"] = rpcErr
			} else {
				response["result"] = result
			}
		}

		payload, err := json.Marshal(response)
		if err != nil {
			panic(err)
		}

		s.write(payload)
	}
}

func (s *Server) write(payload []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, _ = s.conn.Write(append(payload, '\n'))
}
