package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"printbridge/logger"
	"printbridge/ws"
)

// Subscription lifecycle signals delivered on Status().
const (
	StatusSubscribed   = "SUBSCRIBED"
	StatusChannelError = "CHANNEL_ERROR"
	StatusTimedOut     = "TIMED_OUT"
	StatusClosed       = "CLOSED"
)

const (
	realtimeHeartbeatInterval = 25 * time.Second
	realtimeReadTimeout       = 60 * time.Second
	realtimeWriteTimeout      = 10 * time.Second
)

// phoenixFrame is the wire envelope of the realtime protocol.
type phoenixFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// Realtime subscribes to row-level changes for one tenant over a websocket
// and re-delivers them on Events(). It reconnects with exponential backoff
// and reports subscription state transitions on Status().
type Realtime struct {
	baseURL  string
	apiKey   string
	tenantID string
	log      *logger.Logger

	events chan ChangeEvent
	status chan string

	mu      sync.Mutex
	conn    *ws.Conn
	nextRef int
	closed  bool
	quit    chan struct{}
	done    chan struct{}
}

// NewRealtime builds a change-feed client for the given tenant. Start must be
// called before Events produces anything.
func NewRealtime(baseURL, apiKey, tenantID string, log *logger.Logger) *Realtime {
	return &Realtime{
		baseURL:  baseURL,
		apiKey:   apiKey,
		tenantID: tenantID,
		log:      log,
		events:   make(chan ChangeEvent, 64),
		status:   make(chan string, 8),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Events delivers row-level changes for the subscribed tables.
func (r *Realtime) Events() <-chan ChangeEvent { return r.events }

// Status delivers subscription state transitions (SUBSCRIBED, CHANNEL_ERROR,
// TIMED_OUT, CLOSED).
func (r *Realtime) Status() <-chan string { return r.status }

// Start runs the connect/subscribe/read loop until ctx is cancelled or Close
// is called.
func (r *Realtime) Start(ctx context.Context) {
	go r.run(ctx)
}

// Close tears down the connection and stops reconnecting.
func (r *Realtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.quit)
	if r.conn != nil {
		r.conn.Close()
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Realtime) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.events)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		default:
		}

		err := r.session(ctx)
		if err != nil {
			r.log.Warn("Realtime session ended", "error", err)
			r.emitStatus(StatusChannelError)
		} else {
			r.emitStatus(StatusClosed)
		}

		wait := policy.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		}
	}
}

// session dials, joins the tenant channel, and pumps events until the
// connection drops.
func (r *Realtime) session(ctx context.Context) error {
	wsURL, err := r.socketURL()
	if err != nil {
		return err
	}

	conn, _, err := ws.Dial(wsURL, nil, nil, 10*time.Second)
	if err != nil {
		return fmt.Errorf("realtime dial failed: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil
	}
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	topic := "realtime:" + r.tenantID
	joinRef := r.ref()
	if err := conn.WriteJSON(phoenixFrame{
		Topic:   topic,
		Event:   "phx_join",
		Payload: r.joinPayload(),
		Ref:     joinRef,
	}, realtimeWriteTimeout); err != nil {
		return fmt.Errorf("realtime join failed: %w", err)
	}

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-heartbeat.C:
				frame := phoenixFrame{
					Topic:   "phoenix",
					Event:   "heartbeat",
					Payload: json.RawMessage(`{}`),
					Ref:     r.ref(),
				}
				if err := conn.WriteJSON(frame, realtimeWriteTimeout); err != nil {
					conn.Close()
					return
				}
			case <-stop:
				return
			case <-r.quit:
				conn.Close()
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(realtimeReadTimeout))
		msg, err := conn.ReadMessage()
		if err != nil {
			if strings.Contains(err.Error(), "timeout") {
				r.emitStatus(StatusTimedOut)
			}
			return err
		}

		var frame phoenixFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			r.log.Debug("Dropping malformed realtime frame", "error", err)
			continue
		}
		r.handleFrame(frame, joinRef)
	}
}

func (r *Realtime) handleFrame(frame phoenixFrame, joinRef string) {
	switch frame.Event {
	case "phx_reply":
		var reply struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(frame.Payload, &reply); err != nil {
			return
		}
		if frame.Ref != joinRef {
			return // heartbeat ack
		}
		if reply.Status == "ok" {
			r.log.Info("Realtime channel subscribed", "topic", frame.Topic)
			r.emitStatus(StatusSubscribed)
		} else {
			r.log.Warn("Realtime join rejected", "topic", frame.Topic, "status", reply.Status)
			r.emitStatus(StatusChannelError)
		}

	case "phx_error", "phx_close":
		r.emitStatus(StatusChannelError)

	case "postgres_changes":
		var payload struct {
			Data struct {
				Table  string          `json:"table"`
				Type   string          `json:"type"`
				Record json.RawMessage `json:"record"`
				Old    json.RawMessage `json:"old_record"`
			} `json:"data"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			r.log.Debug("Dropping malformed change payload", "error", err)
			return
		}
		ev := ChangeEvent{
			Table: payload.Data.Table,
			Type:  payload.Data.Type,
			New:   payload.Data.Record,
			Old:   payload.Data.Old,
		}
		select {
		case r.events <- ev:
		default:
			r.log.Warn("Realtime event buffer full, dropping event", "table", ev.Table, "type", ev.Type)
		}
	}
}

// joinPayload builds the postgres_changes config for the tables the bridge
// consumes, filtered to this tenant.
func (r *Realtime) joinPayload() json.RawMessage {
	type changeConfig struct {
		Event  string `json:"event"`
		Schema string `json:"schema"`
		Table  string `json:"table"`
		Filter string `json:"filter"`
	}
	filter := "restaurant_id=eq." + r.tenantID
	configs := []changeConfig{
		{Event: "*", Schema: "public", Table: TableOrders, Filter: filter},
		{Event: "*", Schema: "public", Table: TableTickets, Filter: filter},
		{Event: "*", Schema: "public", Table: TableCashReports, Filter: filter},
		{Event: "*", Schema: "public", Table: TableAlerts, Filter: filter},
	}

	payload := struct {
		Config struct {
			PostgresChanges []changeConfig `json:"postgres_changes"`
		} `json:"config"`
		AccessToken string `json:"access_token"`
	}{AccessToken: r.apiKey}
	payload.Config.PostgresChanges = configs

	data, _ := json.Marshal(payload)
	return data
}

// socketURL derives the realtime websocket endpoint from the project URL.
func (r *Realtime) socketURL() (string, error) {
	parsed, err := url.Parse(r.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("backend URL scheme must be http or https, got %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/realtime/v1/websocket"
	q := parsed.Query()
	q.Set("apikey", r.apiKey)
	q.Set("vsn", "1.0.0")
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (r *Realtime) ref() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRef++
	return strconv.Itoa(r.nextRef)
}

func (r *Realtime) emitStatus(s string) {
	select {
	case r.status <- s:
	default:
		// A slow consumer only ever needs the latest signal; stale ones can
		// be discarded.
		select {
		case <-r.status:
		default:
		}
		select {
		case r.status <- s:
		default:
		}
	}
}
