package peer

// Endpoint records how a connection came to exist: whether we dialed out to
// an address, or accepted an inbound connection on a local address and
// learned the remote's address from the accept (spec.md §3 "Endpoint").
type Endpoint struct {
	Dialer   *DialerEndpoint
	Listener *ListenerEndpoint
}

// DialerEndpoint describes an outbound connection we initiated.
type DialerEndpoint struct {
	Address string
}

// ListenerEndpoint describes an inbound connection accepted locally.
type ListenerEndpoint struct {
	LocalAddr    string
	SendBackAddr string
}

// NewDialerEndpoint builds an Endpoint for an outbound dial.
func NewDialerEndpoint(addr string) Endpoint {
	return Endpoint{Dialer: &DialerEndpoint{Address: addr}}
}

// NewListenerEndpoint builds an Endpoint for an inbound accept.
func NewListenerEndpoint(localAddr, sendBackAddr string) Endpoint {
	return Endpoint{Listener: &ListenerEndpoint{LocalAddr: localAddr, SendBackAddr: sendBackAddr}}
}

// IsDialer reports whether this endpoint represents an outbound connection.
func (e Endpoint) IsDialer() bool {
	return e.Dialer != nil
}

// Addr returns the address most relevant for logging: the dial target for
// a Dialer endpoint, the remote send-back address for a Listener one.
func (e Endpoint) Addr() string {
	if e.Dialer != nil {
		return e.Dialer.Address
	}
	if e.Listener != nil {
		return e.Listener.SendBackAddr
	}
	return ""
}

func (e Endpoint) String() string {
	if e.Dialer != nil {
		return "dial:" + e.Dialer.Address
	}
	if e.Listener != nil {
		return "listen:" + e.Listener.LocalAddr + "<-" + e.Listener.SendBackAddr
	}
	return "endpoint:none"
}

// Connected carries the transport-supplied metadata for an established
// connection, produced by a successful upgrade (spec.md §3 "Established
// entry").
type Connected struct {
	Peer     ID
	Endpoint Endpoint
	Info     interface{}
}
