package actions

import (
	"context"
	"fmt"

	"flowpilot/internal/services"
)

// MailSender abstracts the provider that actually sends mail. The concrete
// implementation (Gmail, SMTP relay, ...) is supplied by the integration
// layer; the handler only shapes the reply.
type MailSender interface {
	SendReply(ctx context.Context, token, to, subject, body string) (messageID string, err error)
}

// ReplyHandler sends a templated auto-reply to the sender of the triggering
// email. Registered under "email.reply".
type ReplyHandler struct {
	sender MailSender
}

func NewReplyHandler(sender MailSender) *ReplyHandler {
	return &ReplyHandler{sender: sender}
}

func (h *ReplyHandler) Execute(ctx context.Context, token string, params map[string]any, payload map[string]any) (services.Result, error) {
	to, _ := payload["from"].(string)
	if to == "" {
		return services.Result{}, services.Permanent(fmt.Errorf("event payload has no sender"))
	}
	body, _ := params["body"].(string)
	if body == "" {
		return services.Result{}, services.Permanent(fmt.Errorf("body param required"))
	}
	subject, _ := params["subject"].(string)
	if subject == "" {
		if orig, ok := payload["subject"].(string); ok && orig != "" {
			subject = "Re: " + orig
		} else {
			subject = "Re: your message"
		}
	}

	messageID, err := h.sender.SendReply(ctx, token, to, subject, body)
	if err != nil {
		return services.Result{}, err
	}
	return services.Result{
		Message: "reply sent",
		Data:    map[string]any{"message_id": messageID},
	}, nil
}
