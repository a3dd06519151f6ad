package websocket

import (
	"context"
	"encoding/json"
)

// OrderRequest is the body of an order/placeorder call on the trading socket.
type OrderRequest struct {
	AccountSpec string  `json:"accountSpec,omitempty"`
	AccountID   int     `json:"accountId"`
	Action      string  `json:"action"`
	Symbol      string  `json:"symbol"`
	OrderQty    int     `json:"orderQty"`
	OrderType   string  `json:"orderType"`
	Price       float64 `json:"price,omitempty"`
	StopPrice   float64 `json:"stopPrice,omitempty"`
	IsAutomated bool    `json:"isAutomated"`
}

// OrderResult is the correlated response to an order command.
type OrderResult struct {
	OrderID       int    `json:"orderId"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
}

// PlaceOrder submits a market or limit order over the trading session.
func PlaceOrder(ctx context.Context, s *Session, order OrderRequest) (*OrderResult, error) {
	if s.Role() != RoleTrading {
		return nil, ErrWrongSessionRole
	}
	ev, err := s.Request(ctx, "order/placeorder", "", order)
	if err != nil {
		return nil, err
	}
	return decodeOrderResult(ev.D)
}

// CancelOrder cancels a working order by id over the trading session.
func CancelOrder(ctx context.Context, s *Session, orderID int) (*OrderResult, error) {
	if s.Role() != RoleTrading {
		return nil, ErrWrongSessionRole
	}
	ev, err := s.Request(ctx, "order/cancelorder", "", map[string]int{"orderId": orderID})
	if err != nil {
		return nil, err
	}
	return decodeOrderResult(ev.D)
}

func decodeOrderResult(raw json.RawMessage) (*OrderResult, error) {
	var result OrderResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
	}
	return &result, nil
}
