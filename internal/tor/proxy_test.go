package tor

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
)

func TestIsValidProxyAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9050", true},
		{"localhost:9150", true},
		{"[::1]:9050", true},
		{"127.0.0.1", false},
		{":9050", false},
		{"127.0.0.1:0", false},
		{"127.0.0.1:70000", false},
		{"127.0.0.1:port", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			t.Parallel()
			if got := isValidProxyAddress(tt.addr); got != tt.want {
				t.Errorf("isValidProxyAddress(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

// oneShotServer accepts a single connection and runs handle on it.
func oneShotServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestCheckProxy(t *testing.T) {
	t.Parallel()

	t.Run("tor like proxy", func(t *testing.T) {
		t.Parallel()
		if got := CheckProxy(context.Background(), fakeSocks(t)); got != ProxyStatusOK {
			t.Errorf("CheckProxy() = %v", got)
		}
	})

	t.Run("http server", func(t *testing.T) {
		t.Parallel()

		addr := oneShotServer(t, func(c net.Conn) {
			buf := make([]byte, 3)
			_, _ = io.ReadFull(c, buf)
			_, _ = io.WriteString(c, "HTTP/1.1 400 Bad Request\r\n\r\n")
		})
		if got := CheckProxy(context.Background(), addr); got != ProxyStatusWrongType {
			t.Errorf("CheckProxy() = %v", got)
		}
	})

	t.Run("silent server", func(t *testing.T) {
		t.Parallel()

		block := make(chan struct{})
		t.Cleanup(func() { close(block) })
		addr := oneShotServer(t, func(net.Conn) { <-block })
		if got := CheckProxy(context.Background(), addr); got != ProxyStatusTimeout {
			t.Errorf("CheckProxy() = %v", got)
		}
	})

	t.Run("nothing listening", func(t *testing.T) {
		t.Parallel()
		if got := CheckProxy(context.Background(), "127.0.0.1:1"); got != ProxyStatusCannotConnect {
			t.Errorf("CheckProxy() = %v", got)
		}
	})

	t.Run("invalid address", func(t *testing.T) {
		t.Parallel()
		if got := CheckProxy(context.Background(), "nonsense"); got != ProxyStatusCannotConnect {
			t.Errorf("CheckProxy() = %v", got)
		}
	})
}

func TestProbe(t *testing.T) {
	t.Parallel()

	t.Run("connect refused by proxy", func(t *testing.T) {
		t.Parallel()
		if err := Probe(context.Background(), fakeSocks(t), "example.com:443"); !errors.Is(err, ErrProbeFailed) {
			t.Errorf("expected ErrProbeFailed, got %v", err)
		}
	})

	t.Run("connect accepted", func(t *testing.T) {
		t.Parallel()

		addr := oneShotServer(t, func(c net.Conn) {
			buf := make([]byte, 512)
			if _, err := io.ReadFull(c, buf[:3]); err != nil {
				return
			}
			_, _ = c.Write([]byte{0x05, 0x00})
			if _, err := c.Read(buf); err != nil {
				return
			}
			_, _ = c.Write([]byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x1f, 0x90})
			_, _ = c.Read(buf)
		})
		if err := Probe(context.Background(), addr, "example.com:443"); err != nil {
			t.Errorf("Probe() error = %v", err)
		}
	})
}
