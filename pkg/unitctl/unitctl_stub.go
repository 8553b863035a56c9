//go:build !linux

package unitctl

import "context"

// Conn is a stub on platforms without systemd.
type Conn struct{}

// Dial always fails off linux.
func Dial(ctx context.Context) (*Conn, error) { return nil, ErrUnsupported }

func (c *Conn) Close() error { return nil }

func (c *Conn) Start(ctx context.Context, unit string) error   { return ErrUnsupported }
func (c *Conn) Stop(ctx context.Context, unit string) error    { return ErrUnsupported }
func (c *Conn) Restart(ctx context.Context, unit string) error { return ErrUnsupported }

func (c *Conn) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	return nil, ErrUnsupported
}

func (c *Conn) Enabled(ctx context.Context, unit string) (bool, error) {
	return false, ErrUnsupported
}
