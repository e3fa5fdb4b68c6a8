package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/hashicorp/go-sockaddr"
)

var errNoAddr = errors.New("no suitable IPv4 address")

// A Source resolves a local IPv4 address suitable for sending and receiving
// broadcast datagrams.
type Source struct {
	Name   string
	Lookup func(context.Context) (netip.Addr, error)
}

var (
	// DefaultRoute reports the IPv4 address of the interface carrying the
	// platform's default route.
	DefaultRoute = Source{Name: "default-route", Lookup: defaultRoute}

	// Interfaces enumerates all interfaces that are up and broadcast-capable,
	// preferring a wireless interface and otherwise taking the first private
	// IPv4 address found.
	Interfaces = Source{Name: "interfaces", Lookup: scanInterfaces}

	// Hostname resolves the local host name and reports the first private
	// IPv4 address it maps to.
	Hostname = Source{Name: "hostname", Lookup: lookupHostname}
)

// DefaultSources returns the address sources consulted by a Client when its
// options do not specify any, in the order they are tried.
func DefaultSources() []Source { return []Source{DefaultRoute, Interfaces, Hostname} }

// Fixed returns a Source that always reports addr.
func Fixed(addr netip.Addr) Source {
	return Source{
		Name:   "fixed:" + addr.String(),
		Lookup: func(context.Context) (netip.Addr, error) { return addr, nil },
	}
}

// Resolve tries each of the sources in order and returns the first address
// reported. If none reports an address, Resolve returns an error wrapping
// ErrNoNetwork.
func Resolve(ctx context.Context, sources []Source) (netip.Addr, Source, error) {
	var errs []error
	for _, src := range sources {
		addr, err := src.Lookup(ctx)
		if err == nil && addr.Is4() {
			return addr, src, nil
		} else if err == nil {
			err = fmt.Errorf("%v is not IPv4", addr)
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
	}
	return netip.Addr{}, Source{}, fmt.Errorf("%w: %w", ErrNoNetwork, errors.Join(errs...))
}

// NetworkAvailable reports whether any of the default sources can resolve a
// local address for broadcast discovery.
func NetworkAvailable(ctx context.Context) bool {
	_, _, err := Resolve(ctx, DefaultSources())
	return err == nil
}

func defaultRoute(context.Context) (netip.Addr, error) {
	ifs, err := sockaddr.GetDefaultInterfaces()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, ifa := range ifs {
		if ip, ok := ipv4Of(ifa); ok && !ip.IsLoopback() {
			return ip, nil
		}
	}
	return netip.Addr{}, errNoAddr
}

func scanInterfaces(context.Context) (netip.Addr, error) {
	ifs, err := sockaddr.GetAllInterfaces()
	if err != nil {
		return netip.Addr{}, err
	}
	var fallback netip.Addr
	for _, ifa := range ifs {
		flags := ifa.Interface.Flags
		if flags&net.FlagUp == 0 || flags&net.FlagBroadcast == 0 || flags&net.FlagLoopback != 0 {
			continue
		}
		ip, ok := ipv4Of(ifa)
		if !ok {
			continue
		}
		if isWireless(ifa.Interface.Name) {
			return ip, nil
		}
		if !fallback.IsValid() && ip.IsPrivate() {
			fallback = ip
		}
	}
	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, errNoAddr
}

func lookupHostname(ctx context.Context) (netip.Addr, error) {
	host, err := os.Hostname()
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		if addr = addr.Unmap(); addr.Is4() && addr.IsPrivate() {
			return addr, nil
		}
	}
	return netip.Addr{}, errNoAddr
}

func ipv4Of(ifa sockaddr.IfAddr) (netip.Addr, bool) {
	v4 := sockaddr.ToIPv4Addr(ifa.SockAddr)
	if v4 == nil {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(*v4.NetIP())
	if !ok {
		return netip.Addr{}, false
	}
	ip = ip.Unmap()
	return ip, ip.Is4()
}

// isWireless reports whether name follows a common naming scheme for
// wireless network interfaces.
func isWireless(name string) bool {
	name = strings.ToLower(name)
	for _, pfx := range []string{"wl", "wifi", "ath", "ra"} {
		if strings.HasPrefix(name, pfx) {
			return true
		}
	}
	return strings.Contains(name, "wireless") || strings.Contains(name, "wi-fi")
}
