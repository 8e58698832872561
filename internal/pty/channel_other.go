//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package pty

type unsupportedOpener struct{}

// NewOpener returns an Opener whose every call fails with ErrUnsupported.
func NewOpener() Opener {
	return unsupportedOpener{}
}

func (unsupportedOpener) Spawn([]string) (Terminal, error) { return nil, ErrUnsupported }

func (unsupportedOpener) OpenBare(bool) (Terminal, error) { return nil, ErrUnsupported }
