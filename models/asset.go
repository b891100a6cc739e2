package models

import "strings"

// Provider identifies an upstream market-data source.
type Provider string

const (
	ProviderCoinGecko Provider = "coingecko"
	ProviderBinance   Provider = "binance"
	ProviderKraken    Provider = "kraken"
)

func (p Provider) String() string { return string(p) }

// ParseProvider normalizes a configured provider name.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderCoinGecko:
		return ProviderCoinGecko, true
	case ProviderBinance:
		return ProviderBinance, true
	case ProviderKraken:
		return ProviderKraken, true
	}
	return "", false
}

// AssetSpec is one entry of the asset list. Keys holds the per-provider
// lookup key; a provider without a key may still derive one from Symbol.
type AssetSpec struct {
	Symbol string              `json:"symbol" yaml:"symbol"`
	Name   string              `json:"name" yaml:"name"`
	Keys   map[Provider]string `json:"keys,omitempty" yaml:"-"`
}

// Key returns the lookup key for the provider, if one was configured.
func (a AssetSpec) Key(p Provider) (string, bool) {
	k, ok := a.Keys[p]
	if !ok || strings.TrimSpace(k) == "" {
		return "", false
	}
	return k, true
}
