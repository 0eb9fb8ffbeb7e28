package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	apperrors "github.com/mirinaemaru/cautostock-sub000/pkg/errors"
	apphttp "github.com/mirinaemaru/cautostock-sub000/pkg/http"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// Live talks to the real brokerage REST API. Every failure is classified
// into a pkg/errors sentinel so callers can decide retryability without
// inspecting transport details.
type Live struct {
	http   *apphttp.Client
	stream *Stream
	logger core.ILogger
}

// NewLive builds the live gateway. The token manager signs every request.
func NewLive(httpClient *apphttp.Client, stream *Stream, logger core.ILogger) *Live {
	return &Live{http: httpClient, stream: stream, logger: logger}
}

func (l *Live) Name() string { return "LIVE" }

type placeOrderRequest struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"order_type"`
	Qty       int64  `json:"qty"`
	Price     string `json:"price,omitempty"`
}

type placeOrderResponse struct {
	OrderNo string `json:"order_no"`
	Message string `json:"message"`
}

// PlaceOrder submits the order. The application order ID travels as the
// client order reference so the brokerage can dedupe resubmissions.
func (l *Live) PlaceOrder(ctx context.Context, o *core.Order) (*core.BrokerAck, error) {
	req := placeOrderRequest{
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		OrderType: string(o.Type),
		Qty:       o.Qty,
	}
	if o.Price != nil {
		req.Price = o.Price.StringFixed(core.ScalePrice)
	}

	start := time.Now()
	body, err := l.http.Post(ctx, "/v1/orders", req)
	telemetry.GetGlobalMetrics().RecordBrokerLatency(ctx, "place_order",
		float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, classify(err)
	}

	var resp placeOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode order response: %v", apperrors.ErrServerError, err)
	}
	if resp.OrderNo == "" {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, resp.Message)
	}
	return &core.BrokerAck{BrokerOrderNo: resp.OrderNo}, nil
}

func (l *Live) CancelOrder(ctx context.Context, brokerOrderNo string) error {
	start := time.Now()
	_, err := l.http.Delete(ctx, "/v1/orders/"+brokerOrderNo, nil)
	telemetry.GetGlobalMetrics().RecordBrokerLatency(ctx, "cancel_order",
		float64(time.Since(start).Milliseconds()))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (l *Live) ModifyOrder(ctx context.Context, brokerOrderNo string, newQty *int64, newPrice *decimal.Decimal) error {
	params := map[string]any{}
	if newQty != nil {
		params["qty"] = *newQty
	}
	if newPrice != nil {
		params["price"] = newPrice.StringFixed(core.ScalePrice)
	}

	start := time.Now()
	_, err := l.http.Post(ctx, "/v1/orders/"+brokerOrderNo+"/modify", params)
	telemetry.GetGlobalMetrics().RecordBrokerLatency(ctx, "modify_order",
		float64(time.Since(start).Milliseconds()))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (l *Live) SubscribeTicks(ctx context.Context, symbols []string, h core.TickHandler) (string, error) {
	return l.stream.SubscribeTicks(symbols, h)
}

func (l *Live) SubscribeFills(ctx context.Context, accountID string, h core.FillHandler) (string, error) {
	return l.stream.SubscribeFills(accountID, h)
}

func (l *Live) Unsubscribe(subscriptionID string) error {
	return l.stream.Unsubscribe(subscriptionID)
}

func (l *Live) Close() error {
	l.stream.Stop()
	return nil
}

// classify maps transport failures onto the sentinel taxonomy
func classify(err error) error {
	var apiErr *apphttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return fmt.Errorf("%w: %v", apperrors.ErrAuthenticationFailed, err)
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		case apiErr.StatusCode == 404:
			return fmt.Errorf("%w: %v", apperrors.ErrOrderNotFound, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrServerError, err)
		default:
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidRequest, err)
		}
	}
	if errors.Is(err, apperrors.ErrAuthenticationFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}
