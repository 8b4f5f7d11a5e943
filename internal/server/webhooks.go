package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"escrowline/internal/gateway"
	"escrowline/internal/reconcile"
)

type webhookOutput struct {
	Status int
	Body   WebhookResponse `json:"body"`
}

// registerWebhooks exposes the provider callback. The body is handed to the
// reconciler byte for byte because the signature covers it.
func registerWebhooks(api huma.API, rec *reconcile.Reconciler, gw gateway.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "provider-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/{provider}",
		Summary:     "Receive a payment provider notification",
		Tags:        []string{"webhooks"},
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Provider  string `path:"provider"`
		Signature string `header:"X-Signature"`
		RequestID string `header:"X-Request-Id"`
		RawBody   []byte
	}) (*webhookOutput, error) {
		if input.Provider != gw.Name() {
			return nil, newAPIError(http.StatusNotFound, "unknown_provider", "no gateway configured for provider "+input.Provider, nil)
		}
		n := gateway.Notification{Body: input.RawBody, Headers: requestHeaders(ctx)}
		if n.Headers.Get(gateway.HeaderSignature) == "" && input.Signature != "" {
			n.Headers.Set(gateway.HeaderSignature, input.Signature)
		}
		if n.Headers.Get(gateway.HeaderRequestID) == "" && input.RequestID != "" {
			n.Headers.Set(gateway.HeaderRequestID, input.RequestID)
		}

		out, err := rec.HandleNotification(ctx, n)
		switch {
		case err == nil:
			return &webhookOutput{Status: http.StatusOK, Body: webhookResponse(out)}, nil
		case errors.Is(err, gateway.ErrSignatureInvalid):
			return nil, handleError(err)
		case out.NotificationID != "":
			// stored for review; redelivery would not help
			return &webhookOutput{Status: http.StatusAccepted, Body: webhookResponse(out)}, nil
		default:
			return nil, handleError(err)
		}
	})
}

func requestHeaders(ctx context.Context) http.Header {
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		return req.Header.Clone()
	}
	return http.Header{}
}
