package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/produce-export/backend/internal/events"
	"go.uber.org/zap"
)

// NotifyClient forwards escrow events to the marketplace notification
// service, which fans them out to buyers and sellers.
type NotifyClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewNotifyClient(baseURL string, log *zap.Logger) *NotifyClient {
	return &NotifyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

type escrowNotification struct {
	Type      string `json:"type"`
	EscrowID  string `json:"escrow_id"`
	RFQID     string `json:"rfq_id,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Text      string `json:"text"`
}

func (c *NotifyClient) NotifyEscrowEvent(ctx context.Context, event events.Event) error {
	n := escrowNotification{Type: event.Type}
	n.EscrowID, _ = event.Payload["escrow_id"].(string)
	if n.EscrowID == "" {
		return nil
	}
	n.RFQID, _ = event.Payload["rfq_id"].(string)
	n.OldStatus, _ = event.Payload["old_status"].(string)
	n.NewStatus, _ = event.Payload["new_status"].(string)
	n.Text = escrowEventText(n)

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func escrowEventText(n escrowNotification) string {
	ref := n.EscrowID
	if n.RFQID != "" {
		ref = "RFQ " + n.RFQID
	}
	switch n.NewStatus {
	case "awaiting_deposit":
		return fmt.Sprintf("Escrow for %s created, waiting for the buyer's deposit", ref)
	case "funded":
		return fmt.Sprintf("Deposit for %s is held in escrow", ref)
	case "inspection_pending":
		return fmt.Sprintf("Inspection scheduled for %s", ref)
	case "released":
		return fmt.Sprintf("Funds for %s released to the seller", ref)
	case "refunded":
		return fmt.Sprintf("Inspection failed for %s, deposit returned to the buyer", ref)
	case "cancelled":
		return fmt.Sprintf("Escrow for %s cancelled", ref)
	}
	return fmt.Sprintf("Escrow for %s is now %s", ref, n.NewStatus)
}
