package server

// PortPolicy decides whether a Client's requested external port may be
// bound. It is the mirror image of handshake.Accepter; toAccepter adapts
// one to the other so the handshake package stays decoupled from package
// server.
type PortPolicy interface {
	Allow(port uint16) bool
}

// portPolicyFunc adapts a plain func to PortPolicy.
type portPolicyFunc func(port uint16) bool

func (f portPolicyFunc) Allow(port uint16) bool { return f(port) }

// CustomPolicy builds a PortPolicy from an arbitrary predicate.
func CustomPolicy(fn func(port uint16) bool) PortPolicy {
	return portPolicyFunc(fn)
}

// SinglePort only allows exactly one port.
func SinglePort(port uint16) PortPolicy {
	return portPolicyFunc(func(p uint16) bool { return p == port })
}

// MultiplePorts allows any port in the given set.
func MultiplePorts(ports ...uint16) PortPolicy {
	set := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return portPolicyFunc(func(p uint16) bool {
		_, ok := set[p]
		return ok
	})
}

// RangedPorts allows any port in [lo, hi), half-open: hi itself is rejected.
func RangedPorts(lo, hi uint16) PortPolicy {
	return portPolicyFunc(func(p uint16) bool { return p >= lo && p < hi })
}

// AlwaysAllow allows any requested port. Intended for trusted-network
// deployments only.
func AlwaysAllow() PortPolicy {
	return portPolicyFunc(func(uint16) bool { return true })
}

// toAccepter adapts p to the handshake.Accepter function type; a nil p
// allows everything, matching handshake.Server's own nil-Accepter behavior.
func toAccepter(p PortPolicy) func(uint16) bool {
	if p == nil {
		return nil
	}
	return p.Allow
}
