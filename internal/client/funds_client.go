package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

// FundsClient calls the service that owns vouchers and financial holds
// placed against expense reports.
type FundsClient struct {
	baseURL string
	http    *http.Client
}

// NewFundsClient creates a new FundsClient.
func NewFundsClient(baseURL string, timeout time.Duration) *FundsClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FundsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ReverseHoldsRequest is the body of a hold release.
type ReverseHoldsRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// ApplyPostApprovalEffects converts the holds of an approved report into
// deductions.
func (c *FundsClient) ApplyPostApprovalEffects(ctx context.Context, requestID string) error {
	path := fmt.Sprintf("/api/v1/expense-reports/%s/post-approval-effects", url.PathEscape(requestID))
	return c.post(ctx, path, nil)
}

// ReverseHoldsOnRejection releases the holds of a rejected report.
func (c *FundsClient) ReverseHoldsOnRejection(ctx context.Context, requestID, actorID, reason string) error {
	path := fmt.Sprintf("/api/v1/expense-reports/%s/holds/reverse", url.PathEscape(requestID))
	return c.post(ctx, path, &ReverseHoldsRequest{ActorID: actorID, Reason: reason})
}

func (c *FundsClient) post(ctx context.Context, path string, body interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal funds request")
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build funds request")
	}
	req.Header.Set("Content-Type", "application/json")
	forwardAuthorization(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "funds service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	code := errors.ErrCodeInternal
	if resp.StatusCode >= 500 {
		code = errors.ErrCodeUnavailable
	}
	return errors.New(code, fmt.Sprintf("funds service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
}

type authKey struct{}

// WithAuthorization stores the caller's Authorization header so outgoing
// funds calls act on the user's behalf.
func WithAuthorization(ctx context.Context, authorization string) context.Context {
	if authorization == "" {
		return ctx
	}
	return context.WithValue(ctx, authKey{}, authorization)
}

// forwardAuthorization propagates the caller's bearer token, taken from the
// HTTP request context or from incoming gRPC metadata.
func forwardAuthorization(ctx context.Context, req *http.Request) {
	if v, ok := ctx.Value(authKey{}).(string); ok && v != "" {
		req.Header.Set("Authorization", v)
		return
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			req.Header.Set("Authorization", vals[0])
		}
	}
}

// NoopFunds is used when no funds service is configured.
type NoopFunds struct {
	log *logger.Logger
}

// NewNoopFunds creates a NoopFunds.
func NewNoopFunds(log *logger.Logger) *NoopFunds {
	return &NoopFunds{log: log.WithComponent("funds")}
}

func (n *NoopFunds) ApplyPostApprovalEffects(_ context.Context, requestID string) error {
	n.log.Debug().Str("request_id", requestID).Msg("funds: no service configured, skipping post-approval effects")
	return nil
}

func (n *NoopFunds) ReverseHoldsOnRejection(_ context.Context, requestID, _, _ string) error {
	n.log.Debug().Str("request_id", requestID).Msg("funds: no service configured, skipping hold release")
	return nil
}
