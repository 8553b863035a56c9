//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/dbus"
)

// Conn is a connection to the systemd manager on the system bus. Methods
// are safe for concurrent use. Managing units needs the right bus
// permissions, which usually means root or a polkit rule.
type Conn struct {
	mu   sync.Mutex
	conn *sd.Conn
}

// Dial connects to systemd over the system bus.
func Dial(ctx context.Context) (*Conn, error) {
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// Close releases the bus connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *Conn) get() (*sd.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("unitctl: connection is closed")
	}
	return c.conn, nil
}

// Start activates a unit and waits for the queued job to finish.
func (c *Conn) Start(ctx context.Context, unit string) error {
	return c.job(ctx, unit, "start", func(conn *sd.Conn, name string, done chan<- string) error {
		_, err := conn.StartUnitContext(ctx, name, "replace", done)
		return err
	})
}

// Stop deactivates a unit and waits for the queued job to finish.
func (c *Conn) Stop(ctx context.Context, unit string) error {
	return c.job(ctx, unit, "stop", func(conn *sd.Conn, name string, done chan<- string) error {
		_, err := conn.StopUnitContext(ctx, name, "replace", done)
		return err
	})
}

// Restart restarts a unit and waits for the queued job to finish. The
// unit is started even if it was not running.
func (c *Conn) Restart(ctx context.Context, unit string) error {
	return c.job(ctx, unit, "restart", func(conn *sd.Conn, name string, done chan<- string) error {
		_, err := conn.RestartUnitContext(ctx, name, "replace", done)
		return err
	})
}

func (c *Conn) job(ctx context.Context, unit, verb string, op func(*sd.Conn, string, chan<- string) error) error {
	conn, err := c.get()
	if err != nil {
		return err
	}
	name := NormalizeUnit(unit)

	// Buffered so systemd's completion callback never blocks when we bail
	// out on ctx first.
	done := make(chan string, 1)
	if err := op(conn, name, done); err != nil {
		return fmt.Errorf("%s %s: %w", verb, name, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		// systemd reports done, canceled, timeout, failed, dependency or
		// skipped for a finished job.
		if res != "done" && res != "skipped" {
			return fmt.Errorf("%s %s: job result %q", verb, name, res)
		}
	}
	return nil
}

// Status reports the current state of a unit. Missing units come back
// with a "not-found" load state rather than an error so status tasks can
// observe absence.
func (c *Conn) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	conn, err := c.get()
	if err != nil {
		return nil, err
	}
	name := NormalizeUnit(unit)

	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnit(err) {
			return &UnitStatus{Name: name, LoadState: "not-found", ActiveState: "inactive"}, nil
		}
		return nil, fmt.Errorf("status %s: %w", name, err)
	}

	st := &UnitStatus{
		Name:        name,
		LoadState:   propString(props, "LoadState"),
		ActiveState: propString(props, "ActiveState"),
		SubState:    propString(props, "SubState"),
		Description: propString(props, "Description"),
		Since:       propTimestamp(props, "StateChangeTimestamp"),
	}
	if st.LoadState == "" {
		st.LoadState = "not-found"
	}
	return st, nil
}

// Enabled reports whether the unit is enabled to start at boot.
func (c *Conn) Enabled(ctx context.Context, unit string) (bool, error) {
	conn, err := c.get()
	if err != nil {
		return false, err
	}
	name := NormalizeUnit(unit)

	states, err := conn.ListUnitFilesByPatternsContext(ctx, nil, []string{name})
	if err != nil {
		return false, fmt.Errorf("unit files %s: %w", name, err)
	}
	for _, st := range states {
		if st.Path == name || strings.HasSuffix(st.Path, "/"+name) {
			return st.Type == "enabled", nil
		}
	}
	return false, nil
}

func propString(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// systemd timestamps are microseconds since the Unix epoch.
func propTimestamp(props map[string]interface{}, key string) time.Time {
	if us, ok := props[key].(uint64); ok && us > 0 {
		return time.Unix(int64(us/1_000_000), int64(us%1_000_000)*1_000)
	}
	return time.Time{}
}

// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units;
// some backends report "not-found" instead.
func isNoSuchUnit(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "NoSuchUnit") || strings.Contains(s, "not-found")
}
