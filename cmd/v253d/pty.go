package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/aymanbagabas/go-pty"
	"github.com/jaracil/ttypcm"
)

// commandPty is the local AT endpoint: a pseudo-terminal whose slave end is
// published next to the modem as "<modem>:AT".
type commandPty struct {
	pty    pty.UnixPty
	link   string
	closed bool
}

// newCommandPty creates the pseudo-terminal and puts its slave end in raw
// mode. The slave stays open for the life of the daemon so the master does
// not hang up between clients.
func newCommandPty() (*commandPty, error) {
	p, err := pty.New()
	if err != nil {
		return nil, err
	}
	up, ok := p.(pty.UnixPty)
	if !ok {
		p.Close()
		return nil, errors.New("pseudo-terminal has no slave end")
	}

	conn, err := up.Slave().SyscallConn()
	if err != nil {
		up.Close()
		return nil, err
	}
	var rawErr error
	if err := conn.Control(func(fd uintptr) { rawErr = ttypcm.MakeRaw(int(fd)) }); err != nil {
		up.Close()
		return nil, err
	}
	if rawErr != nil {
		up.Close()
		return nil, fmt.Errorf("raw mode on %s: %w", up.Name(), rawErr)
	}
	return &commandPty{pty: up}, nil
}

// Name returns the path of the slave end.
func (p *commandPty) Name() string {
	return p.pty.Name()
}

// Read reads client input from the master end.
func (p *commandPty) Read(b []byte) (n int, err error) {
	return p.pty.Read(b)
}

// Write writes to the client through the master end.
func (p *commandPty) Write(b []byte) (n int, err error) {
	return p.pty.Write(b)
}

// Fd returns the descriptor of the master end.
func (p *commandPty) Fd() uintptr {
	return p.pty.Fd()
}

// Publish points the symlink at link to the slave end, replacing whatever
// was there.
func (p *commandPty) Publish(link string) error {
	if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Symlink(p.Name(), link); err != nil {
		return err
	}
	p.link = link
	return nil
}

// Close removes the published symlink, if it still points here, and closes
// both ends.
func (p *commandPty) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var linkErr error
	if p.link != "" {
		if target, err := os.Readlink(p.link); err == nil && target == p.Name() {
			linkErr = os.Remove(p.link)
		}
	}
	return errors.Join(linkErr, p.pty.Close())
}
