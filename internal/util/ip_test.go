package util

import "testing"

func TestClassifyHost(t *testing.T) {
	tests := []struct {
		name string
		host string
		want HostClassification
	}{
		{"dns name", "aplicacao-cliente", HostPublic},
		{"localhost", "localhost", HostLoopback},
		{"IPv4 loopback", "127.0.0.1", HostLoopback},
		{"IPv4 loopback range", "127.10.0.1", HostLoopback},
		{"IPv6 loopback", "::1", HostLoopback},
		{"IPv4 private 10.x", "10.0.0.1", HostPrivate},
		{"IPv4 private 192.168.x", "192.168.1.10", HostPrivate},
		{"IPv6 ULA", "fd00::1", HostPrivate},
		{"cloud metadata", "169.254.169.254", HostLinkLocal},
		{"IPv6 link-local", "fe80::1", HostLinkLocal},
		{"IPv4 unspecified", "0.0.0.0", HostUnspecified},
		{"IPv6 unspecified", "::", HostUnspecified},
		{"public IPv4", "8.8.8.8", HostPublic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyHost(tt.host); got != tt.want {
				t.Errorf("ClassifyHost(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestHostClassification_String(t *testing.T) {
	if HostLinkLocal.String() != "link_local" {
		t.Errorf("String() = %q, want %q", HostLinkLocal.String(), "link_local")
	}
	if HostClassification(99).String() != "unknown" {
		t.Errorf("String() = %q, want %q", HostClassification(99).String(), "unknown")
	}
}
