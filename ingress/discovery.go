package ingress

import (
	"fmt"

	"github.com/grandcat/zeroconf"

	"printbridge/logger"
)

// mDNS service type POS terminals browse for.
const mdnsService = "_printbridge._tcp"

// Advertiser announces the ingress endpoint over mDNS so POS terminals find
// the bridge without manual configuration.
type Advertiser struct {
	server *zeroconf.Server
	log    *logger.Logger
}

// Advertise registers the mDNS service. The TXT record carries enough for a
// terminal to validate the match before calling /api/discovery.
func Advertise(port int, deviceID, restaurantID, version string, log *logger.Logger) (*Advertiser, error) {
	txt := []string{
		"device_id=" + deviceID,
		"restaurant_id=" + restaurantID,
		"version=" + version,
	}

	instance := "printbridge-" + deviceID
	server, err := zeroconf.Register(instance, mdnsService, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS registration failed: %w", err)
	}

	log.Info("mDNS service advertised", "instance", instance, "port", port)
	return &Advertiser{server: server, log: log}, nil
}

// Stop withdraws the mDNS advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Info("mDNS advertisement withdrawn")
}
