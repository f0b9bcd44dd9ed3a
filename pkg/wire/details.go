package wire

import (
	"fmt"
	"net/netip"
)

// ConnectionDetails is the body of a Connect frame: the IP address of the
// user that triggered the Connect, as observed by the Server.
type ConnectionDetails struct {
	Addr netip.Addr
}

// EncodeConnectionDetails serializes d as: 1-byte IP family (4 or 6),
// followed by 4 or 16 raw address octets respectively.
func EncodeConnectionDetails(d ConnectionDetails) ([]byte, error) {
	a := d.Addr
	switch {
	case a.Is4() || a.Is4In6():
		a4 := a.As4()
		return append([]byte{4}, a4[:]...), nil
	case a.Is6():
		a16 := a.As16()
		return append([]byte{6}, a16[:]...), nil
	default:
		return nil, fmt.Errorf("wire: invalid address %v", a)
	}
}

// ParseConnectionDetails parses the body of a Connect frame. Any first byte
// other than 4 or 6, or a buffer too short for the indicated family, is
// malformed.
func ParseConnectionDetails(buf []byte) (ConnectionDetails, error) {
	if len(buf) < 1 {
		return ConnectionDetails{}, fmt.Errorf("wire: empty connection details")
	}
	switch fam, rest := buf[0], buf[1:]; fam {
	case 4:
		if len(rest) < 4 {
			return ConnectionDetails{}, fmt.Errorf("wire: short ipv4 connection details (%d bytes)", len(rest))
		}
		var b [4]byte
		copy(b[:], rest[:4])
		return ConnectionDetails{Addr: netip.AddrFrom4(b)}, nil
	case 6:
		if len(rest) < 16 {
			return ConnectionDetails{}, fmt.Errorf("wire: short ipv6 connection details (%d bytes)", len(rest))
		}
		var b [16]byte
		copy(b[:], rest[:16])
		return ConnectionDetails{Addr: netip.AddrFrom16(b)}, nil
	default:
		return ConnectionDetails{}, fmt.Errorf("wire: invalid address family %d", fam)
	}
}
