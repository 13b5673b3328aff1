package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
)

// StationTicketPayload is one per-station split returned by the renderer.
type StationTicketPayload struct {
	StationID   string
	StationName string
	PrinterName string
	Copies      int
	Payload     []byte
}

// escposResponse accepts both field names the renderer has used for the
// base64 payload.
type escposResponse struct {
	EscposBase64 string `json:"escposBase64"`
	Data         string `json:"data"`
}

func (r escposResponse) decode() ([]byte, error) {
	encoded := r.EscposBase64
	if encoded == "" {
		encoded = r.Data
	}
	if encoded == "" {
		return nil, fmt.Errorf("renderer response carried no payload")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (c *Client) renderURL(path string) string {
	return c.FrontendURL + path
}

// fetchEscpos POSTs a render request and decodes the base64 ESC/POS bytes.
func (c *Client) fetchEscpos(ctx context.Context, path string, req interface{}) ([]byte, error) {
	var resp escposResponse
	if err := c.doJSON(ctx, "POST", c.renderURL(path), req, &resp, c.restHeaders()); err != nil {
		return nil, err
	}
	payload, err := resp.decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered ticket: %w", err)
	}
	return payload, nil
}

// FetchKitchenTicket renders the single combined kitchen ticket for an order.
func (c *Client) FetchKitchenTicket(ctx context.Context, orderID string) ([]byte, error) {
	req := struct {
		OrderID    string `json:"order_id"`
		TicketType string `json:"ticket_type"`
		PaperWidth int    `json:"paper_width"`
	}{orderID, "kitchen", c.PaperWidth}
	return c.fetchEscpos(ctx, "/tickets/generate-escpos", req)
}

// FetchCustomerTicket renders the customer receipt for an order.
func (c *Client) FetchCustomerTicket(ctx context.Context, orderID string) ([]byte, error) {
	req := struct {
		OrderID    string `json:"order_id"`
		TicketType string `json:"ticket_type"`
		PaperWidth int    `json:"paper_width"`
	}{orderID, "customer", c.PaperWidth}
	return c.fetchEscpos(ctx, "/tickets/generate-escpos", req)
}

// FetchAdditionTicket renders a ticket containing only the items of one
// addition group.
func (c *Client) FetchAdditionTicket(ctx context.Context, orderID, additionGroupID string) ([]byte, error) {
	req := struct {
		OrderID         string `json:"order_id"`
		TicketType      string `json:"ticket_type"`
		AdditionGroupID string `json:"addition_group_id"`
		PaperWidth      int    `json:"paper_width"`
	}{orderID, "addition", additionGroupID, c.PaperWidth}
	return c.fetchEscpos(ctx, "/tickets/generate-escpos", req)
}

// FetchCashReport renders a cash report.
func (c *Client) FetchCashReport(ctx context.Context, reportID string) ([]byte, error) {
	req := struct {
		ReportID   string `json:"report_id"`
		PaperWidth int    `json:"paper_width"`
	}{reportID, c.PaperWidth}
	return c.fetchEscpos(ctx, "/cash/generate-report-escpos", req)
}

// FetchStationTickets asks the renderer to split an order into per-station
// tickets. An empty list means no station routing is configured and the
// caller should fall back to the combined kitchen ticket.
func (c *Client) FetchStationTickets(ctx context.Context, orderID string) ([]StationTicketPayload, error) {
	req := struct {
		OrderID    string `json:"order_id"`
		PaperWidth int    `json:"paper_width"`
	}{orderID, c.PaperWidth}

	var resp struct {
		Tickets []struct {
			StationID     string `json:"station_id"`
			StationName   string `json:"station_name"`
			PrinterConfig struct {
				PrinterName string `json:"printer_name"`
				Copies      int    `json:"copies"`
			} `json:"printer_config"`
			EscposBase64 string `json:"escpos_base64"`
		} `json:"tickets"`
	}
	if err := c.doJSON(ctx, "POST", c.renderURL("/tickets/generate-station-tickets"), req, &resp, c.restHeaders()); err != nil {
		return nil, err
	}

	out := make([]StationTicketPayload, 0, len(resp.Tickets))
	for _, t := range resp.Tickets {
		payload, err := base64.StdEncoding.DecodeString(t.EscposBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode station ticket for %s: %w", t.StationID, err)
		}
		out = append(out, StationTicketPayload{
			StationID:   t.StationID,
			StationName: t.StationName,
			PrinterName: t.PrinterConfig.PrinterName,
			Copies:      t.PrinterConfig.Copies,
			Payload:     payload,
		})
	}
	return out, nil
}
