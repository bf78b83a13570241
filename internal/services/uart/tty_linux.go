//go:build linux

package uart

import (
	"errors"

	"golang.org/x/sys/unix"
)

type unixTTY struct {
	fd int
}

func openTTY(device string) (tty, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS2)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	// raw 8N2, parity and framing errors marked in-band so breaks show up as
	// 0xFF 0x00 0x00
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.IGNPAR | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Iflag |= unix.PARMRK | unix.INPCK
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CSTOPB | unix.CLOCAL | unix.CREAD | unix.BOTHER
	t.Ispeed = Baud
	t.Ospeed = Baud
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1 // tenths of a second

	if err := unix.IoctlSetTermios(fd, unix.TCSETS2, t); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &unixTTY{fd: fd}, nil
}

func (t *unixTTY) setBreak(on bool) error {
	req := uint(unix.TIOCCBRK)
	if on {
		req = unix.TIOCSBRK
	}
	return unix.IoctlSetInt(t.fd, req, 0)
}

func (t *unixTTY) write(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(t.fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

// drain is tcdrain(3).
func (t *unixTTY) drain() error {
	return unix.IoctlSetInt(t.fd, unix.TCSBRK, 1)
}

func (t *unixTTY) read(p []byte) (int, error) {
	n, err := unix.Read(t.fd, p)
	if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (t *unixTTY) close() error {
	return unix.Close(t.fd)
}
