package kodi

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/mdns"
)

// serviceType is the zeroconf service Kodi advertises for its JSON-RPC
// interface on the local network.
const serviceType = "_xbmc-jsonrpc._tcp"

// DiscoveredService describes a Kodi instance found via mDNS.
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	TXTRecords  []string
}

// Discover looks for a Kodi instance on the local network. Used when no
// address is configured; the first answer wins.
func Discover(timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	go func() {
		defer close(entriesCh)
		mdns.Lookup(serviceType, entriesCh)
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", serviceType)
		}

		var address string
		if entry.AddrV4 != nil {
			address = entry.AddrV4.String()
		} else if entry.AddrV6 != nil {
			address = fmt.Sprintf("[%s]", entry.AddrV6.String())
		} else {
			return nil, fmt.Errorf("no valid address found for service")
		}

		service := &DiscoveredService{
			ServiceName: entry.Name,
			Address:     address,
			Port:        entry.Port,
			TXTRecords:  entry.InfoFields,
		}

		slog.Info("Discovered Kodi instance",
			"service_name", service.ServiceName,
			"address", service.Address,
			"port", service.Port,
		)

		return service, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", serviceType)
	}
}
