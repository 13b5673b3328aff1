package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"printbridge/logger"
)

func testLogger() *logger.Logger {
	l := logger.New(logger.ERROR, "", 10)
	l.SetConsoleOutput(false)
	return l
}

func testClient(baseURL, frontendURL string) *Client {
	return NewClient(baseURL, "test-key", frontendURL, "tenant-1", "device-1", testLogger())
}

func TestClaimSuccess(t *testing.T) {
	t.Parallel()

	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/claim_print_job" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "test-key" {
			t.Error("missing apikey header")
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(ClaimResult{Success: true, JobID: "job-42"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	res := c.Claim(context.Background(), JobKitchenOrder, ClaimKeys{OrderID: "o1"}, 0)

	if !res.Success || res.JobID != "job-42" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotBody["tenant_id"] != "tenant-1" || gotBody["device_id"] != "device-1" {
		t.Errorf("claim body missing identity: %v", gotBody)
	}
	if gotBody["order_id"] != "o1" {
		t.Errorf("claim body missing order key: %v", gotBody)
	}
	if gotBody["ttl_seconds"] != float64(DefaultClaimTTL) {
		t.Errorf("zero ttl should default to %d, got %v", DefaultClaimTTL, gotBody["ttl_seconds"])
	}
}

func TestClaimContention(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ClaimResult{Success: false, Reason: "already_claimed"})
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	res := c.Claim(context.Background(), JobCustomerTicket, ClaimKeys{OrderID: "o1", TicketID: "t1"}, 30)
	if res.Success {
		t.Error("lost claim should not report success")
	}
	if res.Reason != "already_claimed" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestClaimTransportErrorIsPessimistic(t *testing.T) {
	t.Parallel()

	// Point at a server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := testClient(srv.URL, "")
	res := c.Claim(context.Background(), JobCashReport, ClaimKeys{ReportID: "r1"}, 30)
	if res.Success {
		t.Error("transport error must be treated as a lost claim")
	}
}

func TestCompleteSwallowsErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	// Must not panic or block; errors are logged only.
	c.Complete(context.Background(), "job-1", false, "printer offline")
}

func TestHeartbeatUpsert(t *testing.T) {
	t.Parallel()

	var gotPrefer string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/printer_heartbeats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotPrefer = r.Header.Get("Prefer")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	err := c.Heartbeat(context.Background(), HeartbeatInfo{
		Status:        "online",
		PrinterStatus: "ready",
		Version:       "1.0.0",
		UptimeSeconds: 120,
		Mode:          "realtime",
	})
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	if gotPrefer != "resolution=merge-duplicates" {
		t.Errorf("Prefer header = %q", gotPrefer)
	}
	if gotBody["device_id"] != "device-1" || gotBody["restaurant_id"] != "tenant-1" {
		t.Errorf("heartbeat body missing identity: %v", gotBody)
	}
	if gotBody["connection_mode"] != "realtime" {
		t.Errorf("heartbeat mode = %v", gotBody["connection_mode"])
	}
	if _, ok := gotBody["last_seen_at"]; !ok {
		t.Error("heartbeat should carry last_seen_at")
	}
}

func TestPollOrdersQuery(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("restaurant_id") != "eq.tenant-1" {
			t.Errorf("restaurant filter = %q", q.Get("restaurant_id"))
		}
		if q.Get("created_at") != "gte.2026-03-01T12:00:00Z" {
			t.Errorf("created_at filter = %q", q.Get("created_at"))
		}
		if q.Get("order") != "created_at.asc" {
			t.Errorf("order = %q", q.Get("order"))
		}
		json.NewEncoder(w).Encode([]Order{{ID: "o1", RestaurantID: "tenant-1"}})
	}))
	defer srv.Close()

	c := testClient(srv.URL, "")
	orders, err := c.PollOrders(context.Background(), since)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "o1" {
		t.Errorf("unexpected orders: %+v", orders)
	}
}
