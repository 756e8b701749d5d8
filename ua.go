package sipua

import (
	"context"
	"net"
	"strings"

	"github.com/tidesip/sipua/auth"
	"github.com/tidesip/sipua/flowtracker"
	"github.com/tidesip/sipua/sip"
)

// UserAgent is the root handle of the stack. It owns the transport and
// transaction layers, the credential table used by the authentication
// retry loop, and the flow tracker that records signalling for external
// rendering. Multiple UserAgent instances may coexist in one process;
// there is no package level global state.
type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	// hostname is the application-layer domain used in the From header of
	// outgoing requests (e.g. "example.com"). It is independent of host,
	// which is the resolved transport address used on Via.
	hostname string

	dnsResolver *net.Resolver
	tp          *sip.TransportLayer
	tx          *sip.TransactionLayer

	// Credentials holds the realm -> credential mapping consulted by the
	// authentication retry loop on 401/407. Callers populate it directly
	// or through WithCredential.
	Credentials *auth.CredentialStore

	// Flow is the passive observer recording (timestamp, direction, peer,
	// method/status, dialog-id) tuples. Nil disables tracking.
	Flow *flowtracker.Tracker

	// events carries high level lifecycle notifications (registration,
	// call establishment/teardown) produced by the facade operations in
	// facade.go. Buffered and never blocking: a caller not reading
	// Events() simply misses old events rather than stalling a request.
	events chan Event
}

// Events returns the channel lifecycle notifications are published to.
// Only one reader should drain it per UserAgent.
func (ua *UserAgent) Events() <-chan Event {
	return ua.events
}

func (ua *UserAgent) emit(e Event) {
	select {
	case ua.events <- e:
	default:
	}
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentHostname sets the domain used in the From header of
// outgoing requests, independent of the transport hostname/IP used on Via.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.hostname = hostname
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithCredential registers a (realm, username, password) triple consulted
// by the authentication retry loop. At most one credential is kept per
// realm; a later call for the same realm replaces the earlier one.
func WithCredential(realm, username, password string) UserAgentOption {
	return func(s *UserAgent) error {
		s.Credentials.Put(auth.Credential{Realm: realm, Username: username, Password: password})
		return nil
	}
}

// WithFlowTracker attaches an observer recording every sent/received
// message. Passing nil disables tracking (the default).
func WithFlowTracker(t *flowtracker.Tracker) UserAgentOption {
	return func(s *UserAgent) error {
		s.Flow = t
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{
		Credentials: auth.NewCredentialStore(),
		events:      make(chan Event, 64),
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	s.tp = sip.NewTransportLayer(s.dnsResolver, sip.NewParser(), nil)
	s.tx = sip.NewTransactionLayer(s.tp)
	return s, nil
}

// setIP sets the IP of the user agent and the host derived from it
func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return err
}

// Close shuts down the transaction and transport layers, terminating any
// transactions still bound to them with TransportLost.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}

// TransportLayer exposes the underlying transport layer, mainly for tests
// that need to inspect connection reference counts.
func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}
