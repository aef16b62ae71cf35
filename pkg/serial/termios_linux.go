//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	reqGetAttr = unix.TCGETS
	reqSetAttr = unix.TCSETS
	reqFlush   = unix.TCFLSH
)

// The kernel takes the rate from the CBAUD bits of Cflag.
func setBaud(t *unix.Termios, rate uint32) {
	t.Cflag = t.Cflag&^unix.CBAUD | rate
	t.Ispeed, t.Ospeed = rate, rate
}
