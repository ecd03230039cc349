package market

import "strings"

// Index symbols as published on the NSE feed.
const (
	SymbolNifty    = "NIFTY 50"
	SymbolBankNIFT = "NIFTY BANK"
	SymbolIndiaVIX = "INDIA VIX"
)

// Exchange prefixes used for broker quote keys.
const (
	ExchangeNSE = "NSE"
	ExchangeNFO = "NFO"
)

// IsOption reports whether a trading symbol is an NFO option contract.
// Contracts look like <UNDERLYING><YY><MON><STRIKE>{CE|PE}; the digits
// between underlying and suffix are mandatory. A purely alphabetic symbol
// that happens to end in CE or PE (RELIANCE, GLENMARKPE) is equity.
func IsOption(symbol string) bool {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 4 {
		return false
	}
	if !strings.HasSuffix(s, "CE") && !strings.HasSuffix(s, "PE") {
		return false
	}

	body := s[:len(s)-2]
	// The strike immediately precedes the CE/PE suffix.
	if body[len(body)-1] < '0' || body[len(body)-1] > '9' {
		return false
	}
	for i := 0; i < len(body); i++ {
		if body[i] >= '0' && body[i] <= '9' {
			return true
		}
	}
	return false
}

// ExchangeSymbol renders the broker quote key for a symbol, e.g.
// "NSE:RELIANCE" or "NFO:NIFTY24DEC26000CE". Index symbols stay on NSE.
func ExchangeSymbol(symbol string) string {
	if strings.Contains(symbol, ":") {
		return symbol
	}
	if IsOption(symbol) {
		return ExchangeNFO + ":" + symbol
	}
	return ExchangeNSE + ":" + symbol
}

// StripExchange removes a leading exchange prefix from a broker quote key.
func StripExchange(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}
