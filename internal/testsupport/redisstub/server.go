// Package redisstub is an in-process RESP server implementing the handful of
// commands used by the notifier relay and the upload rate limiter.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu       sync.Mutex
	streams  map[string]*redisStream
	kv       map[string]*kvEntry
	commands map[string]int
	closed   chan struct{}
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
	seq     int64
}

type streamEntry struct {
	id     string
	fields []string
}

type groupState struct {
	nextIndex int
	pending   map[string]struct{}
}

type kvEntry struct {
	value  int64
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string]*redisStream),
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Calls reports how many times a command was dispatched.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

// StreamLen reports how many entries were appended to a stream.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strm, ok := s.streams[name]; ok {
		return len(strm.entries)
	}
	return 0
}

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
	authenticated := s.opts.Password == ""
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
		var werr error
		switch cmd := strings.ToUpper(args[0]); cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP3 is not spoken; clients fall back to RESP2 and AUTH.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := ""
			if len(args) == 2 {
				password = args[1]
			} else if len(args) == 3 {
				password = args[2]
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) error {
	s.mu.Lock()
	s.commands[cmd]++
	s.mu.Unlock()

	switch cmd {
	case "XADD":
		if len(args) < 5 || (len(args)-3)%2 != 0 {
			return writeError(w, "ERR wrong number of arguments for 'xadd'")
		}
		s.mu.Lock()
		strm := s.ensureStream(args[1])
		id := args[2]
		if id == "*" {
			strm.seq++
			id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), strm.seq)
		}
		strm.entries = append(strm.entries, streamEntry{id: id, fields: append([]string(nil), args[3:]...)})
		s.mu.Unlock()
		return writeBulkString(w, id)

	case "XGROUP":
		if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
			return writeError(w, "ERR only XGROUP CREATE is supported")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		strm := s.ensureStream(args[2])
		if _, exists := strm.groups[args[3]]; exists {
			return writeError(w, "BUSYGROUP Consumer Group name already exists")
		}
		state := &groupState{pending: make(map[string]struct{})}
		if args[4] == "$" {
			state.nextIndex = len(strm.entries)
		}
		strm.groups[args[3]] = state
		return writeSimpleString(w, "OK")

	case "XREADGROUP":
		return s.handleXReadGroup(w, args)

	case "XACK":
		if len(args) < 4 {
			return writeError(w, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(w, int64(s.ack(args[1], args[2], args[3:])))

	case "INCR":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		return writeInteger(w, s.incr(args[1]))

	case "EXPIRE":
		if len(args) < 3 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		return writeInteger(w, s.expire(args[1], time.Duration(seconds)*time.Second))

	case "TTL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(w, s.ttl(args[1]))

	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// ensureStream must be called with s.mu held.
func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{groups: make(map[string]*groupState)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) handleXReadGroup(w *bufio.Writer, args []string) error {
	var group, stream string
	count := 1
	blockMs := -1
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			group = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid COUNT")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid BLOCK")
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			stream = args[i+1]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		return writeError(w, "ERR missing stream or group")
	}

	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records, err := s.readGroup(stream, group, count)
		if err != nil {
			return writeError(w, err.Error())
		}
		if len(records) > 0 {
			return writeArray(w, []interface{}{[]interface{}{stream, records}})
		}
		if blockMs < 0 || time.Now().After(deadline) {
			return writeNilArray(w)
		}
		select {
		case <-s.closed:
			return writeNilArray(w)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(stream, group string, count int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	state, ok := strm.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such consumer group '%s' for key name '%s'", group, stream)
	}
	end := state.nextIndex + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	var records []interface{}
	for i := state.nextIndex; i < end; i++ {
		entry := strm.entries[i]
		state.pending[entry.id] = struct{}{}
		fields := make([]interface{}, 0, len(entry.fields))
		for _, f := range entry.fields {
			fields = append(fields, f)
		}
		records = append(records, []interface{}{entry.id, fields})
	}
	state.nextIndex = end
	return records, nil
}

func (s *Server) ack(stream, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

// live returns the entry for key, dropping it when expired. s.mu must be held.
func (s *Server) live(key string) *kvEntry {
	entry := s.kv[key]
	if entry != nil && !entry.expiry.IsZero() && !time.Now().Before(entry.expiry) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.live(key)
	if entry == nil {
		entry = &kvEntry{}
		s.kv[key] = entry
	}
	entry.value++
	return entry.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.live(key)
	if entry == nil {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.live(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	return int64((remaining + time.Second - 1) / time.Second)
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
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
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
	if length < 0 {
		return "", nil
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

func writeBulkString(w *bufio.Writer, value string) error {
	if err := writeBulkStringRaw(w, value); err != nil {
		return err
	}
	return w.Flush()
}

func writeNilArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
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

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			err = writeBulkStringRaw(w, v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			err = writeBulkStringRaw(w, fmt.Sprint(v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
