//go:build darwin

package serial

import "golang.org/x/sys/unix"

const (
	reqGetAttr = unix.TIOCGETA
	reqSetAttr = unix.TIOCSETA
	reqFlush   = unix.TIOCFLUSH
)

// Darwin keeps speeds as uint64.
func setBaud(t *unix.Termios, rate uint32) {
	t.Ispeed, t.Ospeed = uint64(rate), uint64(rate)
}
