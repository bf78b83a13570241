//go:build !linux

package uart

func openTTY(string) (tty, error) {
	return nil, ErrUnsupported
}
