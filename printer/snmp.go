package printer

import (
	"time"

	"github.com/gosnmp/gosnmp"
)

// Host-resources MIB OIDs carried by most network thermal printers.
const (
	oidHrDeviceStatus  = ".1.3.6.1.2.1.25.3.2.1.5.1"
	oidHrPrinterStatus = ".1.3.6.1.2.1.25.3.5.1.1.1"
)

var hrPrinterStatusNames = map[int]string{
	1: "other",
	2: "unknown",
	3: "idle",
	4: "printing",
	5: "warmup",
}

// SNMPProbe queries printer status over SNMP for network-attached printers.
// The probe is advisory: diagnostics use it to enrich status reporting, and a
// probe failure never downgrades a printer that answered its TCP test.
type SNMPProbe struct {
	Community string
	Timeout   time.Duration
	Retries   int
}

// ProbeStatus returns the printer's hrPrinterStatus as a string and whether
// the device answered at all.
func (p *SNMPProbe) ProbeStatus(host string) (string, bool) {
	community := p.Community
	if community == "" {
		community = "public"
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	client := &gosnmp.GoSNMP{
		Target:    host,
		Port:      161,
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   p.Retries,
	}

	if err := client.Connect(); err != nil {
		return "", false
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidHrPrinterStatus, oidHrDeviceStatus})
	if err != nil || len(result.Variables) == 0 {
		return "", false
	}

	for _, v := range result.Variables {
		if v.Name == oidHrPrinterStatus || v.Name == oidHrPrinterStatus[1:] {
			if code, ok := v.Value.(int); ok {
				if name, ok := hrPrinterStatusNames[code]; ok {
					return name, true
				}
				return "unknown", true
			}
		}
	}

	return "unknown", true
}
