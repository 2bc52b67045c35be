package notify

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// HTTP posts {branch_id, message} to the notification service's /notify.
type HTTP struct {
	client *resty.Client
}

func NewHTTP(client *resty.Client) *HTTP {
	return &HTTP{client: client}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Notify(ctx context.Context, ev Event) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"branch_id": ev.BranchID, "message": ev.Message}).
		Post("/notify")
	if err != nil {
		return fmt.Errorf("post notify: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post notify: status %d", resp.StatusCode())
	}
	return nil
}
