package symbols

import "strings"

// krakenPairs holds the legacy Kraken pair names. Kraken kept its X/Z
// prefixed names for the assets it listed first; newer listings use the
// plain concatenated form.
var krakenPairs = map[string]string{
	"BTC":   "XXBTZUSD",
	"ETH":   "XETHZUSD",
	"XRP":   "XXRPZUSD",
	"SOL":   "SOLUSD",
	"DOGE":  "XDGUSD",
	"ADA":   "ADAUSD",
	"DOT":   "DOTUSD",
	"MATIC": "MATICUSD",
	"LINK":  "LINKUSD",
	"AVAX":  "AVAXUSD",
	"LTC":   "LTCUSD",
}

// Normalize upper-cases a symbol, strips separators and maps XBT/XDG to
// BTC/DOGE.
func Normalize(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	switch sym {
	case "XBT":
		return "BTC"
	case "XDG":
		return "DOGE"
	}
	return sym
}

// BinancePerp returns the USDT-margined perpetual symbol for an asset.
func BinancePerp(sym string) string {
	sym = Normalize(sym)
	if strings.HasSuffix(sym, "USDT") && len(sym) > 4 {
		return sym
	}
	return sym + "USDT"
}

// KrakenPair returns the Kraken USD pair for an asset. Assets missing from
// the table use the SYMBOLUSD form, which Kraken rejects if it does not
// list them.
func KrakenPair(sym string) string {
	sym = Normalize(sym)
	if p, ok := krakenPairs[sym]; ok {
		return p
	}
	return sym + "USD"
}
