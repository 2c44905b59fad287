// Package redisstub runs a minimal in-process Redis server implementing the
// handful of commands the dedup store uses, so tests need no external Redis.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Server is an in-process RESP server backed by a map of hashes.
type Server struct {
	listener net.Listener
	addr     string
	mu       sync.Mutex
	hashes   map[string]map[string]string
	closed   chan struct{}
}

// Start listens on an ephemeral localhost port and serves until Close.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		addr:     ln.Addr().String(),
		hashes:   make(map[string]map[string]string),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

// Addr returns the host:port the stub listens on.
func (s *Server) Addr() string {
	return s.addr
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// Hash returns a copy of the stored hash for key, or nil if absent.
func (s *Server) Hash(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		if !s.dispatch(writer, args) {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) bool {
	switch strings.ToUpper(args[0]) {
	case "PING":
		return writeSimpleString(w, "PONG") == nil
	case "SELECT":
		return writeSimpleString(w, "OK") == nil
	case "EXISTS":
		s.mu.Lock()
		var n int64
		for _, key := range args[1:] {
			if _, ok := s.hashes[key]; ok {
				n++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, n) == nil
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return writeError(w, "ERR wrong number of arguments for 'hset'") == nil
		}
		s.mu.Lock()
		h, ok := s.hashes[args[1]]
		if !ok {
			h = make(map[string]string)
			s.hashes[args[1]] = h
		}
		var added int64
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := h[args[i]]; !exists {
				added++
			}
			h[args[i]] = args[i+1]
		}
		s.mu.Unlock()
		return writeInteger(w, added) == nil
	case "HGETALL":
		s.mu.Lock()
		h := s.hashes[args[1]]
		flat := make([]string, 0, len(h)*2)
		for k, v := range h {
			flat = append(flat, k, v)
		}
		s.mu.Unlock()
		return writeStringArray(w, flat) == nil
	case "DEL":
		s.mu.Lock()
		var n int64
		for _, key := range args[1:] {
			if _, ok := s.hashes[key]; ok {
				delete(s.hashes, key)
				n++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, n) == nil
	default:
		// go-redis probes with HELLO and CLIENT on connect; an error reply
		// makes it fall back without closing the connection.
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0])) == nil
	}
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeStringArray(w *bufio.Writer, values []string) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, v := range values {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
			return err
		}
	}
	return w.Flush()
}
