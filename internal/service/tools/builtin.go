package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// HandoffToolName is the tool the model calls to hand the call to another
// agent. The orchestrator handles it itself; it is never dispatched.
const HandoffToolName = "transfer_to_agent"

// HandoffParameters is the input schema of the handoff tool.
var HandoffParameters = json.RawMessage(`{"type":"object","properties":{"target_agent":{"type":"string"},"reason":{"type":"string"}},"required":["target_agent"]}`)

// Account is a demo ledger entry.
type Account struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// AccountBalance looks up balances in an in-memory ledger.
type AccountBalance struct {
	mu       sync.RWMutex
	accounts map[string]Account
	latency  time.Duration
}

// NewAccountBalance creates the balance tool. latency simulates a slow backend.
func NewAccountBalance(latency time.Duration, accounts map[string]Account) *AccountBalance {
	if accounts == nil {
		accounts = map[string]Account{
			"primary": {Balance: 1250.75, Currency: "USD"},
			"savings": {Balance: 8400, Currency: "USD"},
		}
	}
	return &AccountBalance{accounts: accounts, latency: latency}
}

func (a *AccountBalance) Name() string        { return "get_account_balance" }
func (a *AccountBalance) Description() string { return "Look up the current balance of a customer account." }
func (a *AccountBalance) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"account_id":{"type":"string"}},"required":["account_id"]}`)
}
func (a *AccountBalance) ExpectedLatency() time.Duration { return a.latency }

func (a *AccountBalance) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var args struct {
		AccountID string `json:"account_id"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.AccountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", ErrInvalidInput)
	}
	if a.latency > 0 {
		t := time.NewTimer(a.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	a.mu.RLock()
	acct, ok := a.accounts[args.AccountID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no account %q", ErrInvalidInput, args.AccountID)
	}
	return json.Marshal(map[string]any{
		"account_id": args.AccountID,
		"balance":    acct.Balance,
		"currency":   acct.Currency,
	})
}

// Echo returns its input unchanged.
func Echo() Tool {
	return Func{
		ToolName: "echo",
		Desc:     "Return the input unchanged.",
		Schema:   json.RawMessage(`{"type":"object"}`),
		Fn: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	}
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry, balanceLatency time.Duration) error {
	for _, t := range []Tool{NewAccountBalance(balanceLatency, nil), Echo()} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
