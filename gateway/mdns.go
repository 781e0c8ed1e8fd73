package gateway

import (
	"fmt"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service advertised for the device port
const (
	ServiceType = "_mintgate._tcp"
	Domain      = "local."
)

// Advertiser announces the device listener on the local network
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers instance on port. Calling it again replaces the
// previous registration.
func (a *Advertiser) Advertise(instance string, port int, txt []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the advertisement
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
