package tor

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
)

// fakeControl is a scripted control port that accepts any number of
// connections. respond maps a command line to the raw reply lines; nil
// means "250 OK". Commands of all connections are logged in order.
type fakeControl struct {
	t       *testing.T
	ln      net.Listener
	respond func(cmd string) []string

	mu       sync.Mutex
	commands []string
	conns    []net.Conn
	// eventConn is the connection that last sent SETEVENTS.
	eventConn net.Conn
	wmu       sync.Mutex
}

func newFakeControl(t *testing.T, respond func(cmd string) []string) *fakeControl {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeControl{t: t, ln: ln, respond: respond}
	t.Cleanup(func() {
		_ = ln.Close()
		f.mu.Lock()
		for _, c := range f.conns {
			_ = c.Close()
		}
		f.mu.Unlock()
	})
	go f.serve()
	return f
}

func (f *fakeControl) Addr() string {
	return f.ln.Addr().String()
}

func (f *fakeControl) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeControl) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		if strings.HasPrefix(cmd, "SETEVENTS ") {
			f.eventConn = conn
		}
		f.mu.Unlock()

		var reply []string
		if f.respond != nil {
			reply = f.respond(cmd)
		}
		if reply == nil {
			reply = []string{"250 OK"}
		}
		f.write(conn, reply...)
	}
}

// send writes raw lines, e.g. events, to the connection subscribed to
// events, or to the latest connection if none is.
func (f *fakeControl) send(lines ...string) {
	f.mu.Lock()
	conn := f.eventConn
	if conn == nil && len(f.conns) > 0 {
		conn = f.conns[len(f.conns)-1]
	}
	f.mu.Unlock()
	if conn == nil {
		return
	}
	f.write(conn, lines...)
}

func (f *fakeControl) write(conn net.Conn, lines ...string) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, _ = io.WriteString(conn, strings.Join(lines, "\r\n")+"\r\n")
}

func (f *fakeControl) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeControl) hasCommand(cmd string) bool {
	for _, c := range f.Commands() {
		if c == cmd {
			return true
		}
	}
	return false
}

// fakeSocks accepts SOCKS5 connections and answers like Tor: no auth, and
// a general failure for every CONNECT.
func fakeSocks(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 512)
				if _, err := io.ReadFull(c, buf[:3]); err != nil {
					return
				}
				if _, err := c.Write([]byte{0x05, 0x00}); err != nil {
					return
				}
				if _, err := c.Read(buf); err != nil {
					return
				}
				_, _ = c.Write([]byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nullAuth answers PROTOCOLINFO with NULL authentication.
func nullAuth(cmd string) []string {
	if cmd == "PROTOCOLINFO 1" {
		return []string{
			"250-PROTOCOLINFO 1",
			"250-AUTH METHODS=NULL",
			`250-VERSION Tor="0.4.8.10"`,
			"250 OK",
		}
	}
	return nil
}
