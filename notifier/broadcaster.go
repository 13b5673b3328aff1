package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"printbridge/cloud"
	"printbridge/logger"
	"printbridge/ws"
)

const (
	// DefaultPort is the notifier's listen port on the LAN.
	DefaultPort = 3334

	registerTimeout = 10 * time.Second
	pingInterval    = 30 * time.Second
	sweepInterval   = 60 * time.Second
	staleThreshold  = 90 * time.Second
	writeTimeout    = 5 * time.Second
	deviceQueueSize = 32
)

// DeviceInfo is a registered device snapshot for status surfaces.
type DeviceInfo struct {
	DeviceID        string    `json:"device_id"`
	DeviceName      string    `json:"device_name,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastSeen        time.Time `json:"last_seen"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
}

// queuedMsg is one outbound message plus whether it may be dropped on
// overflow.
type queuedMsg struct {
	data   []byte
	urgent bool
}

type device struct {
	info  DeviceInfo
	conn  *ws.Conn
	queue chan queuedMsg
	quit  chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func (d *device) touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

func (d *device) seen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// Broadcaster accepts wearable connections, tracks their liveness, and fans
// every alert out to all of them. A device id registering twice replaces its
// previous connection.
type Broadcaster struct {
	Port        int
	MinFirmware string

	log *logger.Logger

	mu      sync.Mutex
	devices map[string]*device
	server  *http.Server
	closed  bool

	// SweepInterval and StaleThreshold are overridable for tests.
	SweepInterval  time.Duration
	StaleThreshold time.Duration

	sweepQuit chan struct{}
	wg        sync.WaitGroup
}

// NewBroadcaster builds a broadcaster listening on port (DefaultPort when 0).
func NewBroadcaster(port int, minFirmware string, log *logger.Logger) *Broadcaster {
	if port == 0 {
		port = DefaultPort
	}
	return &Broadcaster{
		Port:           port,
		MinFirmware:    minFirmware,
		log:            log,
		devices:        make(map[string]*device),
		SweepInterval:  sweepInterval,
		StaleThreshold: staleThreshold,
		sweepQuit:      make(chan struct{}),
	}
}

// Start begins listening and runs the staleness sweeper.
func (b *Broadcaster) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleConnection)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", b.Port))
	if err != nil {
		return fmt.Errorf("notifier listen failed: %w", err)
	}

	b.mu.Lock()
	b.server = &http.Server{Handler: mux}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.log.Error("Notifier server stopped", "error", err)
		}
	}()

	b.wg.Add(1)
	go b.sweepLoop()

	b.log.Info("Notifier listening", "port", b.Port)
	return nil
}

// Stop closes all device connections and the listener.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.sweepQuit)
	server := b.server
	devices := make([]*device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, d)
	}
	b.devices = make(map[string]*device)
	b.mu.Unlock()

	for _, d := range devices {
		b.dropDevice(d, "shutdown")
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	b.wg.Wait()
}

// BroadcastAlert converts a cloud alert row and fans it out to every device.
func (b *Broadcaster) BroadcastAlert(row cloud.AlertRow) {
	b.Broadcast(AlertFromRow(row))
}

// Broadcast sends one alert to every registered device.
func (b *Broadcaster) Broadcast(alert Alert) {
	data, err := json.Marshal(notificationMsg{Type: "notification", Alert: alert})
	if err != nil {
		b.log.Error("Failed to encode alert", "alert_id", alert.ID, "error", err)
		return
	}

	b.mu.Lock()
	targets := make([]*device, 0, len(b.devices))
	for _, d := range b.devices {
		targets = append(targets, d)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		b.log.Debug("No devices registered, alert dropped", "alert_id", alert.ID)
		return
	}

	msg := queuedMsg{data: data, urgent: alert.Urgent()}
	for _, d := range targets {
		b.enqueue(d, msg)
	}
	b.log.Info("Alert broadcast", "alert_id", alert.ID, "priority", alert.Priority, "devices", len(targets))
}

// enqueue adds msg to the device queue. On overflow the oldest droppable
// message makes room; if the head is urgent the device is too slow to keep
// and gets disconnected instead.
func (b *Broadcaster) enqueue(d *device, msg queuedMsg) {
	for {
		select {
		case d.queue <- msg:
			return
		default:
		}

		select {
		case head := <-d.queue:
			if head.urgent {
				b.log.Warn("Device cannot keep up with urgent alerts, disconnecting",
					"device_id", d.info.DeviceID)
				b.removeDevice(d.info.DeviceID, d)
				return
			}
			// Head dropped; retry the enqueue.
		default:
			// Writer drained the queue in the meantime; retry.
		}
	}
}

// Devices returns a snapshot of registered devices.
func (b *Broadcaster) Devices() []DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeviceInfo, 0, len(b.devices))
	for _, d := range b.devices {
		info := d.info
		info.LastSeen = d.seen()
		out = append(out, info)
	}
	return out
}

// Count returns the number of registered devices.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.devices)
}

type inboundMsg struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"name"`
	FirmwareVersion string `json:"firmware"`
}

// handleConnection upgrades the socket and runs the register handshake, then
// the read loop.
func (b *Broadcaster) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.UpgradeHTTP(w, r)
	if err != nil {
		b.log.Debug("Notifier upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn.WriteJSON(map[string]string{
		"type":      "welcome",
		"message":   "printbridge notifier",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, writeTimeout)

	// The first frame must be a register; anything else gets the socket
	// closed.
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var reg inboundMsg
	if err := json.Unmarshal(raw, &reg); err != nil || reg.Type != "register" || reg.DeviceID == "" {
		b.log.Warn("Rejecting unregistered notifier connection", "remote", r.RemoteAddr)
		conn.WriteJSON(map[string]string{"type": "error", "message": "register required"}, writeTimeout)
		conn.Close()
		return
	}

	b.checkFirmware(reg)

	d := &device{
		info: DeviceInfo{
			DeviceID:        reg.DeviceID,
			DeviceName:      reg.DeviceName,
			FirmwareVersion: reg.FirmwareVersion,
			ConnectedAt:     time.Now(),
			RemoteAddr:      conn.RemoteAddr(),
		},
		conn:     conn,
		queue:    make(chan queuedMsg, deviceQueueSize),
		quit:     make(chan struct{}),
		lastSeen: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	if prev, ok := b.devices[reg.DeviceID]; ok {
		// Same id reconnecting: the new connection wins.
		b.log.Info("Device reconnected, replacing previous connection", "device_id", reg.DeviceID)
		go b.dropDevice(prev, "replaced")
	}
	b.devices[reg.DeviceID] = d
	b.mu.Unlock()

	conn.WriteJSON(map[string]string{
		"type":      "registered",
		"device_id": reg.DeviceID,
		"message":   "registered",
	}, writeTimeout)
	b.log.Info("Device registered", "device_id", reg.DeviceID, "name", reg.DeviceName,
		"firmware", reg.FirmwareVersion)

	b.wg.Add(2)
	go b.writeLoop(d)
	go b.readLoop(d)
}

// checkFirmware warns when a device reports firmware older than the minimum.
// Old devices still get alerts; the warning is for the operator.
func (b *Broadcaster) checkFirmware(reg inboundMsg) {
	if b.MinFirmware == "" || reg.FirmwareVersion == "" {
		return
	}
	min, err := semver.NewVersion(b.MinFirmware)
	if err != nil {
		return
	}
	got, err := semver.NewVersion(reg.FirmwareVersion)
	if err != nil {
		b.log.WarnRateLimited("firmware-"+reg.DeviceID, time.Hour,
			"Device reported unparseable firmware version",
			"device_id", reg.DeviceID, "version", reg.FirmwareVersion)
		return
	}
	if got.LessThan(min) {
		b.log.WarnRateLimited("firmware-"+reg.DeviceID, time.Hour,
			"Device firmware below minimum supported version",
			"device_id", reg.DeviceID, "version", reg.FirmwareVersion, "minimum", b.MinFirmware)
	}
}

func (b *Broadcaster) writeLoop(d *device) {
	defer b.wg.Done()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-d.queue:
			if err := d.conn.WriteRaw(msg.data, writeTimeout); err != nil {
				b.removeDevice(d.info.DeviceID, d)
				return
			}
		case <-ping.C:
			if err := d.conn.WriteJSON(map[string]string{"type": "ping"}, writeTimeout); err != nil {
				b.removeDevice(d.info.DeviceID, d)
				return
			}
		case <-d.quit:
			return
		}
	}
}

func (b *Broadcaster) readLoop(d *device) {
	defer b.wg.Done()

	d.conn.SetPongHandler(func(string) error {
		d.touch()
		return nil
	})

	for {
		d.conn.SetReadDeadline(time.Now().Add(b.StaleThreshold + b.SweepInterval))
		raw, err := d.conn.ReadMessage()
		if err != nil {
			b.removeDevice(d.info.DeviceID, d)
			return
		}

		var msg inboundMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "heartbeat", "ack", "pong":
			d.touch()
		case "register":
			// Re-register on an open socket just refreshes liveness.
			d.touch()
		default:
			b.log.Debug("Ignoring unknown device message", "device_id", d.info.DeviceID, "type", msg.Type)
		}
	}
}

// removeDevice drops d only if it is still the current connection for its id.
func (b *Broadcaster) removeDevice(id string, d *device) {
	b.mu.Lock()
	current, ok := b.devices[id]
	if ok && current == d {
		delete(b.devices, id)
	}
	b.mu.Unlock()
	b.dropDevice(d, "removed")
}

func (b *Broadcaster) dropDevice(d *device, reason string) {
	d.mu.Lock()
	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
	d.mu.Unlock()
	d.conn.WriteClose(time.Second)
	d.conn.Close()
	b.log.Debug("Device connection dropped", "device_id", d.info.DeviceID, "reason", reason)
}

func (b *Broadcaster) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.sweepQuit:
			return
		}
	}
}

// sweep evicts devices that have not been heard from within the threshold.
func (b *Broadcaster) sweep() {
	cutoff := time.Now().Add(-b.StaleThreshold)

	b.mu.Lock()
	var stale []*device
	for id, d := range b.devices {
		if d.seen().Before(cutoff) {
			delete(b.devices, id)
			stale = append(stale, d)
		}
	}
	b.mu.Unlock()

	for _, d := range stale {
		b.log.Info("Evicting stale device", "device_id", d.info.DeviceID,
			"last_seen", d.seen().Format(time.RFC3339))
		b.dropDevice(d, "stale")
	}
}
