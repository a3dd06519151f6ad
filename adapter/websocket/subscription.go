package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	tradovate "github.com/alexanimal/tradovate-mcp-server-sub000/adapter"
)

// ContractResolver maps human symbols to contract records. The adapter's REST
// client satisfies it.
type ContractResolver interface {
	ResolveContract(ctx context.Context, symbol string) (*tradovate.Contract, error)
}

// filterKind selects how push events are matched to a subscription.
type filterKind int

const (
	filterRealtimeID filterKind = iota
	filterContractID
	filterUserSync
)

// cancelKind selects the body shape of the cancel request.
type cancelKind int

const (
	cancelNone cancelKind = iota
	cancelBySubscriptionID
	cancelBySymbol
)

// capability describes one legal subscribe URL: the session role it needs,
// how its push events are filtered, and how it is cancelled.
type capability struct {
	role      Role
	filter    filterKind
	dataKey   string
	cancelURL string
	cancel    cancelKind
}

var capabilities = map[string]capability{
	"md/getchart":           {RoleMarketData, filterRealtimeID, "charts", "md/cancelChart", cancelBySubscriptionID},
	"md/subscribedom":       {RoleMarketData, filterContractID, "doms", "md/unsubscribedom", cancelBySymbol},
	"md/subscribequote":     {RoleMarketData, filterContractID, "quotes", "md/unsubscribequote", cancelBySymbol},
	"md/subscribehistogram": {RoleMarketData, filterContractID, "histograms", "md/unsubscribehistogram", cancelBySymbol},
	"user/syncrequest":      {RoleTrading, filterUserSync, "users", "", cancelNone},
}

// subscribeResponse is the terminal or continuation payload of a subscribe
// request. A non-empty PTicket means the server wants the request reissued
// after PTime seconds with the ticket attached.
type subscribeResponse struct {
	PTicket        string `json:"p-ticket"`
	PTime          int    `json:"p-time"`
	RealtimeID     int    `json:"realtimeId"`
	SubscriptionID int    `json:"subscriptionId"`
	Mode           string `json:"mode"`
}

// SubscribeRequest names the subscribe URL, the human symbol it targets, and
// any extra body fields the endpoint wants.
type SubscribeRequest struct {
	URL    string
	Symbol string
	Body   map[string]any
}

// Subscription is the live handle returned by Subscribe. Cancel deregisters
// the listener and, where the endpoint has one, issues the cancel request.
// Snapshot holds the terminal subscribe response payload; for user sync that
// is the initial user-data snapshot.
type Subscription struct {
	RealtimeID     int
	SubscriptionID int
	ContractID     int
	Snapshot       json.RawMessage

	once   sync.Once
	remove func()
	cancel func(ctx context.Context) error
}

// Cancel tears the subscription down. It is idempotent; only the first call
// sends a cancel request.
func (s *Subscription) Cancel(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.remove()
		if s.cancel != nil {
			err = s.cancel(ctx)
		}
	})
	return err
}

// SubscriptionManager layers realtime subscriptions on one Session. It
// enforces the role gate, resolves symbols to contract ids, walks the
// pagination ticket loop, and installs filtered listeners.
type SubscriptionManager struct {
	session  *Session
	resolver ContractResolver
	logger   *zap.SugaredLogger

	maxTicketReplays int

	// sleep is swapped in tests so ticket waits do not stall the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSubscriptionManager binds a subscription manager to a session. The
// resolver may be nil when only @-symbols or user sync are used.
func NewSubscriptionManager(session *Session, resolver ContractResolver, maxTicketReplays int, logger *zap.SugaredLogger) *SubscriptionManager {
	if maxTicketReplays <= 0 {
		maxTicketReplays = 8
	}
	return &SubscriptionManager{
		session:          session,
		resolver:         resolver,
		logger:           logger,
		maxTicketReplays: maxTicketReplays,
		sleep:            sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe issues the subscribe request, replaying pagination tickets until
// the server returns a terminal response, then registers handler for the
// matching push events. handler receives the raw element payload.
func (m *SubscriptionManager) Subscribe(ctx context.Context, req SubscribeRequest, handler func(json.RawMessage)) (*Subscription, error) {
	cap, ok := capabilities[req.URL]
	if !ok {
		return nil, fmt.Errorf("websocket: unsupported subscription url %q", req.URL)
	}
	if m.session.Role() != cap.role {
		return nil, ErrWrongSessionRole
	}

	contractID, err := m.resolveFilterID(ctx, cap, req.Symbol)
	if err != nil {
		return nil, err
	}

	body := make(map[string]any, len(req.Body)+2)
	for k, v := range req.Body {
		body[k] = v
	}
	if req.Symbol != "" {
		if _, present := body["symbol"]; !present {
			body["symbol"] = req.Symbol
		}
	}

	resp, snapshot, err := m.ticketLoop(ctx, req.URL, body)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		RealtimeID:     resp.RealtimeID,
		SubscriptionID: resp.SubscriptionID,
		ContractID:     contractID,
		Snapshot:       snapshot,
	}
	if sub.SubscriptionID == 0 {
		sub.SubscriptionID = sub.RealtimeID
	}

	sub.remove = m.session.AddListener(m.makeListener(cap, sub, handler))
	sub.cancel = m.makeCancel(cap, req.Symbol, sub)

	m.logger.Infow("Subscription established",
		"url", req.URL, "symbol", req.Symbol,
		"realtime_id", sub.RealtimeID, "contract_id", sub.ContractID)
	return sub, nil
}

// resolveFilterID turns the symbol into the contract id used to filter push
// events. Symbols beginning with @ are passed through unresolved; their
// subscriptions accept every element of the data key.
func (m *SubscriptionManager) resolveFilterID(ctx context.Context, cap capability, symbol string) (int, error) {
	if cap.filter != filterContractID {
		return 0, nil
	}
	if symbol == "" {
		return 0, fmt.Errorf("websocket: subscription requires a symbol")
	}
	if strings.HasPrefix(symbol, "@") {
		return 0, nil
	}
	if m.resolver == nil {
		return 0, fmt.Errorf("websocket: no contract resolver configured for symbol %q", symbol)
	}
	contract, err := m.resolver.ResolveContract(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return contract.ID, nil
}

// ticketLoop issues the subscribe request, reissuing with the returned
// p-ticket until a terminal response arrives. The loop is flat and capped so
// an adversarial server cannot spin it forever. The raw terminal payload is
// returned alongside the decoded response.
func (m *SubscriptionManager) ticketLoop(ctx context.Context, url string, body map[string]any) (*subscribeResponse, json.RawMessage, error) {
	for replay := 0; replay <= m.maxTicketReplays; replay++ {
		ev, err := m.session.Request(ctx, url, "", body)
		if err != nil {
			return nil, nil, err
		}

		var resp subscribeResponse
		if len(ev.D) > 0 {
			if err := json.Unmarshal(ev.D, &resp); err != nil {
				return nil, nil, fmt.Errorf("websocket: failed to decode %s response: %w", url, err)
			}
		}
		if resp.PTicket == "" {
			return &resp, ev.D, nil
		}

		m.logger.Debugw("Replaying subscribe with pagination ticket",
			"url", url, "ticket", resp.PTicket, "wait_sec", resp.PTime)
		if err := m.sleep(ctx, time.Duration(resp.PTime)*time.Second); err != nil {
			return nil, nil, err
		}
		body["p-ticket"] = resp.PTicket
	}
	return nil, nil, ErrTicketExhausted
}

// SyncUser subscribes to the user/syncrequest stream for the given user ids.
// The returned subscription's Snapshot carries the initial user-data state.
func (m *SubscriptionManager) SyncUser(ctx context.Context, userIDs []int, handler func(json.RawMessage)) (*Subscription, error) {
	return m.Subscribe(ctx, SubscribeRequest{
		URL:  "user/syncrequest",
		Body: map[string]any{"users": userIDs},
	}, handler)
}

// makeListener builds the push-event filter for one subscription. Market-data
// subscriptions match elements of their data key by realtime id or contract
// id; user sync matches users payloads and props markers.
func (m *SubscriptionManager) makeListener(cap capability, sub *Subscription, handler func(json.RawMessage)) func(Event) {
	if cap.filter == filterUserSync {
		return func(ev Event) {
			if ev.Kind == "props" {
				handler(ev.D)
				return
			}
			var keys map[string]json.RawMessage
			if err := json.Unmarshal(ev.D, &keys); err != nil {
				return
			}
			if _, ok := keys["users"]; ok {
				handler(ev.D)
			}
		}
	}

	return func(ev Event) {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(ev.D, &keys); err != nil {
			return
		}
		raw, ok := keys[cap.dataKey]
		if !ok {
			return
		}
		var elements []json.RawMessage
		if err := json.Unmarshal(raw, &elements); err != nil {
			return
		}
		for _, element := range elements {
			if m.matches(cap, sub, element) {
				handler(element)
			}
		}
	}
}

func (m *SubscriptionManager) matches(cap capability, sub *Subscription, element json.RawMessage) bool {
	var ids struct {
		ID         int `json:"id"`
		ContractID int `json:"contractId"`
	}
	if err := json.Unmarshal(element, &ids); err != nil {
		return false
	}
	switch cap.filter {
	case filterRealtimeID:
		return ids.ID == sub.RealtimeID
	case filterContractID:
		// An unresolved @-symbol carries contract id 0 and accepts all.
		return sub.ContractID == 0 || ids.ContractID == sub.ContractID
	}
	return false
}

// makeCancel builds the cancel closure for the endpoint's cancel shape, or
// nil when the endpoint has none.
func (m *SubscriptionManager) makeCancel(cap capability, symbol string, sub *Subscription) func(context.Context) error {
	if cap.cancel == cancelNone {
		return nil
	}
	return func(ctx context.Context) error {
		var body map[string]any
		switch cap.cancel {
		case cancelBySubscriptionID:
			body = map[string]any{"subscriptionId": sub.SubscriptionID}
		case cancelBySymbol:
			body = map[string]any{"symbol": symbol}
		}
		_, err := m.session.Request(ctx, cap.cancelURL, "", body)
		return err
	}
}
