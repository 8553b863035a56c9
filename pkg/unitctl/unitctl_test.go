package unitctl

import "testing"

func TestNormalizeUnit(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"nginx", "nginx.service"},
		{"  nginx  ", "nginx.service"},
		{"nginx.service", "nginx.service"},
		{"backup.timer", "backup.timer"},
		{"var-lib.mount", "var-lib.mount"},
		{"dbus-org.freedesktop.resolve1.service", "dbus-org.freedesktop.resolve1.service"},
	}
	for _, tc := range cases {
		if got := NormalizeUnit(tc.in); got != tc.want {
			t.Errorf("NormalizeUnit(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
