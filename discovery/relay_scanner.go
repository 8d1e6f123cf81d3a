package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// ErrNoRelayFound is returned when a browse window ends empty.
var ErrNoRelayFound = errors.New("discovery: no relay found on the local network")

// DiscoveredRelay is one advertised relay endpoint.
type DiscoveredRelay struct {
	Instance  string
	HostName  string
	Port      int
	Path      string
	Version   int
	Addresses []string
}

// URL returns the websocket URL, preferring an IPv4 address.
func (r DiscoveredRelay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	for _, addr := range r.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + r.Path
}

// Browse collects relays advertised during one scan window.
func Browse(ctx context.Context, config Config) ([]DiscoveredRelay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[relay.URL()] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}
	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	out := make([]DiscoveredRelay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	collectedMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].URL() < out[j].URL()
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

// FindRelay browses once and returns the URL of the first relay by instance
// name.
func FindRelay(ctx context.Context, config Config) (string, error) {
	relays, err := Browse(ctx, config)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", ErrNoRelayFound
	}

	url := relays[0].URL()
	logrus.WithFields(logrus.Fields{
		"function": "FindRelay",
		"instance": relays[0].Instance,
		"url":      url,
		"found":    len(relays),
	}).Info("Relay discovered")
	return url, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredRelay, bool) {
	if entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	txt := txtToMap(entry.Text)
	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	if version > DefaultVersion {
		return DiscoveredRelay{}, false
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return DiscoveredRelay{}, false
	}

	return DiscoveredRelay{
		Instance:  strings.TrimSpace(entry.Instance),
		HostName:  entry.HostName,
		Port:      entry.Port,
		Path:      path,
		Version:   version,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
