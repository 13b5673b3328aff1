// Package printer owns the physical printer transports and the registry that
// routes print jobs to them by logical role.
package printer

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"printbridge/logger"
)

// TransportKind identifies how a printer is attached.
type TransportKind string

const (
	// KindCharDev is a character-device printer (e.g. /dev/usb/lp0).
	KindCharDev TransportKind = "chardev"
	// KindNetwork is a raw-TCP printer (usually port 9100).
	KindNetwork TransportKind = "network"
	// KindBluetoothSerial is a serial printer bound over an RFCOMM channel.
	KindBluetoothSerial TransportKind = "bluetooth-serial"
)

// Printer status values reported by transports.
const (
	StatusReady        = "ready"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
)

const (
	networkTestTimeout  = 3 * time.Second
	networkWriteTimeout = 10 * time.Second
)

// Descriptor is the persistent record for one configured printer.
type Descriptor struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Kind         TransportKind `json:"type"`
	DevicePath   string        `json:"device_path,omitempty"`
	Host         string        `json:"host,omitempty"`
	Port         int           `json:"port,omitempty"`
	BluetoothMAC string        `json:"bluetooth_mac,omitempty"`
	Channel      int           `json:"channel,omitempty"`
	Status       string        `json:"status,omitempty"`
}

// Transport delivers raw bytes to one physical printer. Implementations never
// return errors outward: any I/O failure yields false and leaves the
// transport retryable. Retries are the caller's responsibility.
type Transport interface {
	// Test verifies the transport is currently reachable.
	Test() bool
	// Write delivers the whole buffer, reporting success.
	Write(data []byte) bool
	// Describe returns a short human-readable locator for logs.
	Describe() string
}

// NewTransport builds the transport for a descriptor.
func NewTransport(desc Descriptor, log *logger.Logger) (Transport, error) {
	switch desc.Kind {
	case KindCharDev:
		if desc.DevicePath == "" {
			return nil, fmt.Errorf("printer %s: chardev transport requires device_path", desc.ID)
		}
		return &charDevTransport{path: desc.DevicePath, log: log}, nil
	case KindNetwork:
		if desc.Host == "" {
			return nil, fmt.Errorf("printer %s: network transport requires host", desc.ID)
		}
		port := desc.Port
		if port == 0 {
			port = 9100
		}
		return &networkTransport{host: desc.Host, port: port, log: log}, nil
	case KindBluetoothSerial:
		if desc.BluetoothMAC == "" {
			return nil, fmt.Errorf("printer %s: bluetooth transport requires bluetooth_mac", desc.ID)
		}
		return &bluetoothSerialTransport{
			mac:     desc.BluetoothMAC,
			channel: desc.Channel,
			node:    fmt.Sprintf("/dev/rfcomm%d", desc.Channel),
			log:     log,
		}, nil
	default:
		return nil, fmt.Errorf("printer %s: unknown transport kind %q", desc.ID, desc.Kind)
	}
}

// charDevTransport writes to a character-device node.
type charDevTransport struct {
	path string
	log  *logger.Logger
}

func (t *charDevTransport) Test() bool {
	if _, err := os.Stat(t.path); err != nil {
		return false
	}
	return unix.Access(t.path, unix.W_OK) == nil
}

func (t *charDevTransport) Write(data []byte) bool {
	f, err := os.OpenFile(t.path, os.O_WRONLY, 0)
	if err != nil {
		t.log.Warn("Failed to open printer device", "path", t.path, "error", err)
		return false
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		t.log.Warn("Failed to write to printer device", "path", t.path, "error", err)
		return false
	}
	return true
}

func (t *charDevTransport) Describe() string {
	return t.path
}

// networkTransport opens a fresh TCP connection per write. ESC/POS printers
// expect the peer to close once the job is fully sent.
type networkTransport struct {
	host string
	port int
	log  *logger.Logger
}

func (t *networkTransport) addr() string {
	return net.JoinHostPort(t.host, fmt.Sprint(t.port))
}

func (t *networkTransport) Test() bool {
	conn, err := net.DialTimeout("tcp", t.addr(), networkTestTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (t *networkTransport) Write(data []byte) bool {
	conn, err := net.DialTimeout("tcp", t.addr(), networkWriteTimeout)
	if err != nil {
		t.log.Warn("Failed to connect to network printer", "addr", t.addr(), "error", err)
		return false
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(networkWriteTimeout))
	if _, err := conn.Write(data); err != nil {
		t.log.Warn("Failed to write to network printer", "addr", t.addr(), "error", err)
		return false
	}

	// Orderly close so the printer sees a clean end of job.
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	return true
}

func (t *networkTransport) Describe() string {
	return t.addr()
}

// bluetoothSerialTransport writes to an RFCOMM-bound serial node, binding it
// on demand when the node is missing.
type bluetoothSerialTransport struct {
	mac     string
	channel int
	node    string
	log     *logger.Logger
}

func (t *bluetoothSerialTransport) ensureBound() bool {
	if unix.Access(t.node, unix.W_OK) == nil {
		return true
	}

	cmd := exec.Command("rfcomm", "bind", fmt.Sprint(t.channel), t.mac, fmt.Sprint(t.channel))
	if out, err := cmd.CombinedOutput(); err != nil {
		t.log.WarnRateLimited("rfcomm-bind-"+t.mac, time.Minute,
			"Failed to bind RFCOMM node", "mac", t.mac, "channel", t.channel, "output", string(out), "error", err)
		return false
	}

	return unix.Access(t.node, unix.W_OK) == nil
}

func (t *bluetoothSerialTransport) Test() bool {
	return t.ensureBound()
}

func (t *bluetoothSerialTransport) Write(data []byte) bool {
	if !t.ensureBound() {
		return false
	}

	f, err := os.OpenFile(t.node, os.O_WRONLY, 0)
	if err != nil {
		t.log.Warn("Failed to open RFCOMM node", "node", t.node, "error", err)
		return false
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		t.log.Warn("Failed to write to RFCOMM node", "node", t.node, "error", err)
		return false
	}
	return true
}

func (t *bluetoothSerialTransport) Describe() string {
	return fmt.Sprintf("%s ch%d (%s)", t.mac, t.channel, t.node)
}
