package serial

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func listenUnix(t *testing.T) (string, net.Listener) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return path, ln
}

func TestOpenSocketRoundTrip(t *testing.T) {
	path, ln := listenUnix(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	p, err := OpenSocket(path, time.Second)
	if err != nil {
		t.Fatalf("OpenSocket: %v", err)
	}
	defer p.Close()

	if _, err := p.Write([]byte{0x7e, 0x01}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "\x7e\x01" {
		t.Errorf("echo = %x", buf[:n])
	}
}

func TestReadTimeout(t *testing.T) {
	path, ln := listenUnix(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(200 * time.Millisecond)
			conn.Close()
		}
	}()

	p, err := OpenSocket(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	p.readTimeout = 10 * time.Millisecond

	if _, err := p.Read(make([]byte, 4)); !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.ReadContext(ctx, make([]byte, 4)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadContext: got %v, want deadline exceeded", err)
	}
}

func TestFlushDiscardsStaleBytes(t *testing.T) {
	path, ln := listenUnix(t)
	sent := make(chan struct{})
	next := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(sent)
			return
		}
		defer conn.Close()
		conn.Write([]byte{0x7e, 0x7e, 0x05})
		close(sent)
		<-next
		conn.Write([]byte("ok"))
		time.Sleep(100 * time.Millisecond)
	}()

	p, err := OpenSocket(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if p.Device() != path {
		t.Errorf("Device = %q, want %q", p.Device(), path)
	}

	<-sent
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	close(next)

	buf := make([]byte, 8)
	n, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "ok" {
		t.Errorf("read %q after flush, want \"ok\"", buf[:n])
	}
}

func TestClosedPort(t *testing.T) {
	path, ln := listenUnix(t)
	go ln.Accept()

	p, err := OpenSocket(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	if _, err := p.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenTCPBadAddress(t *testing.T) {
	for _, addr := range []string{"nohost", "127.0.0.1:0", "example.com:80"} {
		if _, err := OpenTCP(addr, 10*time.Millisecond); err == nil {
			t.Errorf("OpenTCP(%q) succeeded", addr)
		}
	}
}
