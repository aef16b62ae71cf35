// Package serial provides the byte stream to an SPI bridge MCU: a tty in raw
// mode, a Unix socket (used by mock-dac) or a TCP connection.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyACM0)
	Device string

	// BaudRate defaults to 115200.
	BaudRate int

	// ReadTimeout bounds a single Read when the caller has no deadline.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		ReadTimeout: time.Second,
	}
}

// Port is a raw byte stream on a file descriptor.
type Port struct {
	mu          sync.Mutex
	fd          int
	device      string
	readTimeout time.Duration
	closed      bool
	oldTermios  *unix.Termios
}

// Open opens a tty in raw 8N1 mode.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	def := DefaultConfig()
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	speed, ok := baudRates[cfg.BaudRate]
	if !ok {
		return nil, fmt.Errorf("serial: unsupported baud rate %d", cfg.BaudRate)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	old, err := unix.IoctlGetTermios(fd, reqGetAttr)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	t := *old
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	setBaud(&t, speed)

	if err := unix.IoctlSetTermios(fd, reqSetAttr, &t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}
	return &Port{fd: fd, device: cfg.Device, readTimeout: cfg.ReadTimeout, oldTermios: old}, nil
}

// OpenSocket connects to a Unix stream socket, retrying until timeout while
// the listener is not up yet.
func OpenSocket(path string, timeout time.Duration) (*Port, error) {
	if path == "" {
		return nil, errors.New("serial: socket path required")
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: create socket: %w", err)
	}
	if err := connectRetry(fd, &unix.SockaddrUnix{Name: path}, timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: connect to %s: %w", path, err)
	}
	return &Port{fd: fd, device: path, readTimeout: DefaultConfig().ReadTimeout}, nil
}

// OpenTCP connects to an IPv4 host:port, retrying until timeout.
func OpenTCP(address string, timeout time.Duration) (*Port, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("serial: parse address %s: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("serial: invalid port in %s", address)
	}
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("serial: %s is not an IPv4 address", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: create TCP socket: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := connectRetry(fd, sa, timeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: connect to %s: %w", address, err)
	}
	return &Port{fd: fd, device: address, readTimeout: DefaultConfig().ReadTimeout}, nil
}

func connectRetry(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Connect(fd, sa)
		if err == nil {
			return nil
		}
		retry := errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
		if !retry || time.Now().After(deadline) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Read reads up to len(buf) bytes, waiting at most the configured read
// timeout. It returns ErrTimeout if nothing arrived.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()
	return p.read(buf, timeout)
}

// ReadContext is Read bounded by ctx's deadline instead of the read timeout.
func (p *Port) ReadContext(ctx context.Context, buf []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		wait := 50 * time.Millisecond
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < wait {
				wait = left
			}
		}
		if wait <= 0 {
			return 0, context.DeadlineExceeded
		}
		n, err := p.read(buf, wait)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		return n, err
	}
}

func (p *Port) read(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&unix.POLLIN == 0 && pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}
	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of buf.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, fmt.Errorf("serial: write: %w", err)
		}
		total += n
	}
	return total, nil
}

// Close restores the tty settings (if any) and closes the descriptor.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, reqSetAttr, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the path or address the port was opened with.
func (p *Port) Device() string {
	return p.device
}

// Flush discards pending input and output on a tty. Sockets are drained.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd, tty := p.fd, p.oldTermios != nil
	p.mu.Unlock()

	if tty {
		return unix.IoctlSetInt(fd, reqFlush, unix.TCIOFLUSH)
	}
	var scratch [256]byte
	for {
		n, err := p.read(scratch[:], time.Millisecond)
		if err != nil || n == 0 {
			return nil
		}
	}
}

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}
