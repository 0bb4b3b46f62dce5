package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance wire formats vary by ledger deployment: some encode balances as
// an object keyed by asset, others as an array of [asset, amount] pairs
// or an array of {asset, amount} objects. DecodeBalances accepts all
// three and normalizes to a typed mapping; the rest of the codebase only
// ever sees map[string]decimal.Decimal.

type balanceEntry struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// DecodeBalances parses a balances payload in any supported wire shape.
func DecodeBalances(raw []byte) (map[string]decimal.Decimal, error) {
	// Object form: {"USDT": "1000", "BTC": "0.5"}
	var obj map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}

	// Pair-array form: [["USDT", "1000"], ["BTC", "0.5"]]
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(raw, &pairs); err == nil {
		out := make(map[string]decimal.Decimal, len(pairs))
		ok := true
		for _, p := range pairs {
			var asset string
			var amount decimal.Decimal
			if json.Unmarshal(p[0], &asset) != nil || json.Unmarshal(p[1], &amount) != nil {
				ok = false
				break
			}
			out[asset] = amount
		}
		if ok {
			return out, nil
		}
	}

	// Entry-array form: [{"asset": "USDT", "amount": "1000"}]
	var entries []balanceEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		out := make(map[string]decimal.Decimal, len(entries))
		for _, e := range entries {
			if e.Asset == "" {
				return nil, fmt.Errorf("balances entry missing asset")
			}
			out[e.Asset] = e.Amount
		}
		return out, nil
	}

	return nil, fmt.Errorf("unrecognized balances encoding")
}

// EncodeBalances marshals balances in the canonical object form.
func EncodeBalances(balances map[string]decimal.Decimal) ([]byte, error) {
	return json.Marshal(balances)
}
