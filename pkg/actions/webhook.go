// Package actions provides the built-in action handlers registered with the
// engine. Concrete provider SDKs stay behind small interfaces so this package
// carries no integration-specific dependencies.
package actions

import (
	"context"
	"errors"
	"fmt"

	"flowpilot/internal/services"
	"flowpilot/pkg/webhook"
)

// WebhookHandler posts the triggering payload to the URL configured on the
// rule. Registered under "webhook.post".
type WebhookHandler struct {
	client *webhook.Client
}

func NewWebhookHandler(client *webhook.Client) *WebhookHandler {
	return &WebhookHandler{client: client}
}

func (h *WebhookHandler) Execute(ctx context.Context, token string, params map[string]any, payload map[string]any) (services.Result, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return services.Result{}, services.Permanent(fmt.Errorf("url param required"))
	}

	resp, err := h.client.Deliver(ctx, url, token, payload)
	if err != nil {
		var se *webhook.StatusError
		if errors.As(err, &se) && se.Permanent() {
			return services.Result{}, services.Permanent(err)
		}
		return services.Result{}, err
	}
	return services.Result{
		Message: fmt.Sprintf("delivered (%d)", resp.StatusCode),
		Data:    resp.Body,
	}, nil
}
