package discovery

import (
	"fmt"
	"net"

	"github.com/pion/mdns/v2"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Advertise answers mDNS queries for localName so field nodes can find the
// broker host without a fixed IP. Close the returned conn to stop.
func Advertise(localName string, logger *zap.SugaredLogger) (*mdns.Conn, error) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("resolve udp4 mdns address: %w", err)
	}
	addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6)
	if err != nil {
		return nil, fmt.Errorf("resolve udp6 mdns address: %w", err)
	}

	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("listen udp4: %w", err)
	}
	l6, err := net.ListenUDP("udp6", addr6)
	if err != nil {
		l4.Close()
		return nil, fmt.Errorf("listen udp6: %w", err)
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), ipv6.NewPacketConn(l6), &mdns.Config{
		LocalNames: []string{localName},
	})
	if err != nil {
		l4.Close()
		l6.Close()
		return nil, fmt.Errorf("start mdns server: %w", err)
	}
	if logger != nil {
		logger.Infow("Advertising over mDNS", "component", "discovery", "name", localName)
	}
	return conn, nil
}
