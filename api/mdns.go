package api

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"

	"btcmonitor/chain"
)

const (
	// ServiceName is the mDNS service type monitors advertise
	ServiceName = "_btcmonitor._tcp"
	// Domain is the standard mDNS domain
	Domain = "local."
	// APIPath is advertised in the TXT record
	APIPath = "/api"
)

// MDNSService is the running advertisement
type MDNSService interface {
	Shutdown() error
}

// Advertise announces the status API on the local network
func Advertise(network chain.Network, port int) (MDNSService, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "btcmonitor"
	}
	instance := fmt.Sprintf("btcmonitor-%s-%s", network, strings.Split(host, ".")[0])

	info := []string{
		"network=" + network.String(),
		"path=" + APIPath,
	}

	service, err := mdns.NewMDNSService(
		instance,    // Instance name
		ServiceName, // Service name
		Domain,      // Domain
		"",          // Host name (empty = default)
		port,        // Port
		nil,         // IPs (nil = all)
		info,        // TXT record info
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS server: %w", err)
	}

	log.WithFields(logrus.Fields{
		"instance": instance,
		"service":  ServiceName,
		"port":     port,
	}).Info("mDNS advertisement started")
	return server, nil
}

// Discover lists monitors advertised on the local network
func Discover(timeout time.Duration) ([]Instance, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	found := make(map[string]Instance)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entriesCh {
			if inst, ok := instanceFromEntry(entry, time.Now()); ok {
				found[inst.Name] = inst
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:     ServiceName,
		Domain:      Domain,
		Timeout:     timeout,
		Entries:     entriesCh,
		DisableIPv6: true,
	}

	log.WithFields(logrus.Fields{
		"service": ServiceName,
		"timeout": timeout.String(),
	}).Debug("Starting mDNS query for monitors")

	err := mdns.Query(params)
	close(entriesCh)
	<-done
	if err != nil {
		return nil, fmt.Errorf("failed to discover monitors: %w", err)
	}

	instances := make([]Instance, 0, len(found))
	for _, inst := range found {
		instances = append(instances, inst)
	}
	return instances, nil
}

// instanceFromEntry reads an mDNS answer; entries without an address or
// for another service are skipped
func instanceFromEntry(entry *mdns.ServiceEntry, seen time.Time) (Instance, bool) {
	if entry == nil || !strings.Contains(entry.Name, ServiceName) {
		return Instance{}, false
	}

	var ip net.IP
	switch {
	case entry.AddrV4 != nil:
		ip = entry.AddrV4
	case entry.AddrV6 != nil:
		ip = entry.AddrV6
	default:
		log.WithField("name", entry.Name).Debug("No IP address found for monitor")
		return Instance{}, false
	}

	inst := Instance{
		Name:     strings.TrimSuffix(entry.Name, "."+ServiceName+"."+Domain),
		Address:  ip.String(),
		Port:     entry.Port,
		Path:     APIPath,
		LastSeen: seen,
	}
	for _, txt := range entry.InfoFields {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "network":
			inst.Network = value
		case "path":
			inst.Path = value
		}
	}
	return inst, true
}

// URL is the instance's API base URL
func (i Instance) URL() string {
	return "http://" + net.JoinHostPort(i.Address, fmt.Sprint(i.Port)) + i.Path
}
