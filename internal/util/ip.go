package util

import "net"

// HostClassification describes what kind of host a redirect URI points at.
type HostClassification int

const (
	// HostPublic is a publicly routable address or a DNS name.
	HostPublic HostClassification = iota
	// HostLoopback is localhost, 127.0.0.0/8 or ::1.
	HostLoopback
	// HostPrivate is an RFC 1918 or ULA address.
	HostPrivate
	// HostLinkLocal is 169.254.0.0/16 or fe80::/10, including cloud metadata endpoints.
	HostLinkLocal
	// HostUnspecified is 0.0.0.0 or ::.
	HostUnspecified
)

// String returns a human-readable name for the classification.
func (c HostClassification) String() string {
	switch c {
	case HostPublic:
		return "public"
	case HostLoopback:
		return "loopback"
	case HostPrivate:
		return "private"
	case HostLinkLocal:
		return "link_local"
	case HostUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyHost classifies a hostname as returned by url.URL.Hostname().
// Names that are not IP literals are treated as public, except "localhost".
func ClassifyHost(hostname string) HostClassification {
	if hostname == "localhost" {
		return HostLoopback
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return HostPublic
	}
	switch {
	case ip.IsUnspecified():
		return HostUnspecified
	case ip.IsLoopback():
		return HostLoopback
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return HostLinkLocal
	case ip.IsPrivate():
		return HostPrivate
	default:
		return HostPublic
	}
}
