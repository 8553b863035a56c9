// Package unitctl manages systemd units over the D-Bus API. It backs the
// systemd builtin agent; on non-linux builds every operation reports
// ErrUnsupported.
package unitctl

import (
	"errors"
	"strings"
	"time"
)

// ErrUnsupported is returned on platforms without systemd.
var ErrUnsupported = errors.New("unitctl: systemd is only available on linux")

// UnitStatus is a point-in-time view of one unit. Since is the last
// state change reported by systemd, zero when unknown.
type UnitStatus struct {
	Name        string    `json:"name"`
	LoadState   string    `json:"load_state"`
	ActiveState string    `json:"active_state"`
	SubState    string    `json:"sub_state"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Since       time.Time `json:"since"`
}

var unitSuffixes = []string{
	".service", ".socket", ".timer", ".target", ".path",
	".mount", ".automount", ".swap", ".slice", ".scope", ".device",
}

// NormalizeUnit appends ".service" to bare names so task configs can say
// "nginx" instead of "nginx.service". Names carrying an explicit unit
// suffix pass through unchanged.
func NormalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	for _, suf := range unitSuffixes {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}
