package tor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/tornago"
)

// asyncStatus is the status code of asynchronous event notifications.
const asyncStatus = 650

// ReplyLine is one line of a control port reply. Data holds the lines of a
// multi-line value ("250+key=" followed by a dot-terminated block).
type ReplyLine struct {
	Text string
	Data []string
}

// Reply is a complete control port reply or event.
type Reply struct {
	Status int
	Lines  []ReplyLine
}

// Event is an asynchronous notification, e.g. "STREAM 12 NEW 0 example.com:443".
type Event struct {
	// Type is the first word, e.g. "STREAM".
	Type string
	// Fields is the rest of the first line.
	Fields string
	Reply  *Reply
}

// EventHandler receives events of one type. Handlers run on a dispatcher
// goroutine, never on the reader, so they may issue commands.
type EventHandler func(Event)

// ControlConn is a client for Tor's control port protocol that, unlike
// tornago.ControlClient, keeps reading between commands. Sessions use it for
// STREAM events and the commands that steer streams onto circuits.
//
// One command is in flight at a time. A reader goroutine parses everything
// Tor sends, hands replies to the waiting command and queues events for the
// dispatcher.
type ControlConn struct {
	conn   net.Conn
	r      *textproto.Reader
	w      *textproto.Writer
	logger *slog.Logger

	// cmdMu serializes commands.
	cmdMu sync.Mutex

	// replyMu guards replies handed over and skip, the number of replies
	// whose command was abandoned.
	replyMu sync.Mutex
	replies chan *Reply
	skip    int

	eventMu  sync.Mutex
	handlers map[string][]EventHandler
	queue    []Event
	wake     chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// DialControl connects to the control port at addr.
func DialControl(ctx context.Context, addr string, logger *slog.Logger) (*ControlConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", addr, err)
	}
	return NewControlConn(conn, logger), nil
}

// NewControlConn wraps an established connection and starts its reader.
func NewControlConn(conn net.Conn, logger *slog.Logger) *ControlConn {
	if logger == nil {
		logger = slog.Default()
	}
	tc := textproto.NewConn(conn)
	c := &ControlConn{
		conn:     conn,
		r:        &tc.Reader,
		w:        &tc.Writer,
		logger:   logger,
		replies:  make(chan *Reply, 1),
		handlers: make(map[string][]EventHandler),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// Command sends one command line and waits for its reply. A reply with a
// status outside 2xx is returned as *ReplyError.
func (c *ControlConn) Command(ctx context.Context, line string) (*Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	select {
	case <-c.closed:
		return nil, c.closeErr()
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.w.PrintfLine("%s", line); err != nil {
		c.fail(err)
		return nil, fmt.Errorf("failed to send %s: %w", commandName(line), err)
	}

	select {
	case r := <-c.replies:
		if r.Status < 200 || r.Status > 299 {
			return r, &ReplyError{Command: commandName(line), Status: r.Status, Text: r.Text()}
		}
		return r, nil
	case <-c.closed:
		return nil, c.closeErr()
	case <-ctx.Done():
		c.abandon()
		return nil, fmt.Errorf("%s: %w", commandName(line), ctx.Err())
	}
}

// abandon accounts for the reply of a command nobody waits for anymore.
func (c *ControlConn) abandon() {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	select {
	case <-c.replies:
	default:
		c.skip++
	}
}

// AddEventHandler registers fn for events of typ and subscribes to every
// registered event type with SETEVENTS.
func (c *ControlConn) AddEventHandler(ctx context.Context, typ string, fn EventHandler) error {
	typ = strings.ToUpper(typ)

	c.eventMu.Lock()
	c.handlers[typ] = append(c.handlers[typ], fn)
	types := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		types = append(types, t)
	}
	c.eventMu.Unlock()

	sort.Strings(types)
	if _, err := c.Command(ctx, "SETEVENTS "+strings.Join(types, " ")); err != nil {
		return fmt.Errorf("failed to subscribe to %s events: %w", typ, err)
	}
	return nil
}

// ProtocolInfo returns the authentication methods Tor accepts and the
// cookie file it announced, if any.
func (c *ControlConn) ProtocolInfo(ctx context.Context) (map[string]bool, string, error) {
	r, err := c.Command(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrControlAuth, err)
	}
	methods, cookieFile := parseProtocolInfo(r)
	return methods, cookieFile, nil
}

// Authenticate sends AUTHENTICATE with the credentials in auth. An empty
// auth authenticates without credentials.
func (c *ControlConn) Authenticate(ctx context.Context, auth tornago.ControlAuth) error {
	token, err := authToken(auth)
	if err != nil {
		return err
	}
	cmd := "AUTHENTICATE"
	if token != "" {
		cmd += " " + token
	}

	if _, err := c.Command(ctx, cmd); err != nil {
		var replyErr *ReplyError
		if errors.As(err, &replyErr) {
			return fmt.Errorf("%w: %s", ErrControlAuth, replyErr.Text)
		}
		return fmt.Errorf("%w: %w", ErrControlAuth, err)
	}
	return nil
}

// chooseAuth picks the first usable method Tor announced: no
// authentication, the password, or the cookie file.
func chooseAuth(methods map[string]bool, cookieFile, password string) (tornago.ControlAuth, error) {
	switch {
	case methods["NULL"]:
		return tornago.ControlAuth{}, nil
	case methods["HASHEDPASSWORD"] && password != "":
		return tornago.ControlAuthFromPassword(password), nil
	case methods["COOKIE"] && cookieFile != "":
		return tornago.ControlAuthFromCookie(cookieFile), nil
	}

	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, m)
	}
	sort.Strings(names)
	return tornago.ControlAuth{}, fmt.Errorf("%w: no usable method in %v", ErrControlAuth, names)
}

func authToken(auth tornago.ControlAuth) (string, error) {
	switch {
	case auth.Password() != "":
		return quote(auth.Password()), nil
	case auth.CookiePath() != "":
		cookie, err := os.ReadFile(auth.CookiePath()) //nolint:gosec // path is announced by Tor
		if err != nil {
			return "", fmt.Errorf("%w: failed to read cookie: %w", ErrControlAuth, err)
		}
		return hex.EncodeToString(cookie), nil
	case len(auth.CookieBytes()) != 0:
		return hex.EncodeToString(auth.CookieBytes()), nil
	default:
		return "", nil
	}
}

// GetInfo runs GETINFO for one key and returns its value. Multi-line values
// are joined with newlines.
func (c *ControlConn) GetInfo(ctx context.Context, key string) (string, error) {
	r, err := c.Command(ctx, "GETINFO "+key)
	if err != nil {
		return "", err
	}
	for _, l := range r.Lines {
		k, v, ok := strings.Cut(l.Text, "=")
		if !ok || k != key {
			continue
		}
		if l.Data != nil {
			return strings.Join(l.Data, "\n"), nil
		}
		return v, nil
	}
	return "", fmt.Errorf("%w: GETINFO %s: key missing from reply", ErrControlProtocol, key)
}

// Close closes the connection. Pending commands fail with ErrControlClosed.
func (c *ControlConn) Close() error {
	err := c.conn.Close()
	c.fail(ErrControlClosed)
	return err
}

// Done is closed when the connection is gone.
func (c *ControlConn) Done() <-chan struct{} {
	return c.closed
}

func (c *ControlConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *ControlConn) closeErr() error {
	if errors.Is(c.err, ErrControlClosed) {
		return ErrControlClosed
	}
	return fmt.Errorf("%w: %w", ErrControlClosed, c.err)
}

func (c *ControlConn) readLoop() {
	for {
		r, err := c.readReply()
		if err != nil {
			c.fail(err)
			return
		}

		if r.Status == asyncStatus {
			c.enqueue(r)
			continue
		}

		c.replyMu.Lock()
		if c.skip > 0 {
			c.skip--
			c.replyMu.Unlock()
			continue
		}
		select {
		case c.replies <- r:
		default:
			c.logger.Warn("dropping unsolicited control reply", "status", r.Status)
		}
		c.replyMu.Unlock()
	}
}

func (c *ControlConn) readReply() (*Reply, error) {
	r := &Reply{}
	for {
		line, err := c.r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("%w: short line %q", ErrControlProtocol, line)
		}
		status, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: bad status in %q", ErrControlProtocol, line)
		}
		r.Status = status
		text := line[4:]

		switch line[3] {
		case ' ':
			r.Lines = append(r.Lines, ReplyLine{Text: text})
			return r, nil
		case '-':
			r.Lines = append(r.Lines, ReplyLine{Text: text})
		case '+':
			data, err := c.r.ReadDotLines()
			if err != nil {
				return nil, err
			}
			if data == nil {
				data = []string{}
			}
			r.Lines = append(r.Lines, ReplyLine{Text: text, Data: data})
		default:
			return nil, fmt.Errorf("%w: bad separator in %q", ErrControlProtocol, line)
		}
	}
}

func (c *ControlConn) enqueue(r *Reply) {
	first := r.Lines[0].Text
	typ, fields, _ := strings.Cut(first, " ")

	c.eventMu.Lock()
	c.queue = append(c.queue, Event{Type: typ, Fields: fields, Reply: r})
	c.eventMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *ControlConn) dispatchLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.closed:
			return
		}

		for {
			c.eventMu.Lock()
			if len(c.queue) == 0 {
				c.eventMu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			handlers := append([]EventHandler(nil), c.handlers[ev.Type]...)
			c.eventMu.Unlock()

			for _, h := range handlers {
				c.runHandler(h, ev)
			}
		}
	}
}

func (c *ControlConn) runHandler(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// Text returns the text of the reply's first line.
func (r *Reply) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return r.Lines[0].Text
}

// parseProtocolInfo extracts the auth methods and the cookie file from a
// PROTOCOLINFO reply line such as
// `AUTH METHODS=COOKIE,SAFECOOKIE COOKIEFILE="/run/tor/control.authcookie"`.
func parseProtocolInfo(r *Reply) (map[string]bool, string) {
	methods := make(map[string]bool)
	var cookieFile string
	for _, l := range r.Lines {
		rest, ok := strings.CutPrefix(l.Text, "AUTH ")
		if !ok {
			continue
		}
		for rest != "" {
			var field string
			field, rest = nextField(rest)
			key, value, _ := strings.Cut(field, "=")
			switch key {
			case "METHODS":
				for _, m := range strings.Split(value, ",") {
					methods[m] = true
				}
			case "COOKIEFILE":
				cookieFile = unquote(value)
			}
		}
	}
	return methods, cookieFile
}

// nextField splits off the first space separated field, honouring quotes.
func nextField(s string) (string, string) {
	s = strings.TrimLeft(s, " ")
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ' ':
			if !inQuote {
				return s[:i], s[i+1:]
			}
		}
	}
	return s, ""
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// commandName returns the keyword of a command line. Arguments may hold
// secrets and are never logged.
func commandName(line string) string {
	name, _, _ := strings.Cut(line, " ")
	return name
}
