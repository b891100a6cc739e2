package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"hvcollector/models"
)

// AssetEntry is one asset in the YAML asset list.
type AssetEntry struct {
	Symbol        string `yaml:"symbol"`
	Name          string `yaml:"name"`
	CoinGeckoID   string `yaml:"coingecko_id"`
	BinanceSymbol string `yaml:"binance_symbol"`
	KrakenPair    string `yaml:"kraken_pair"`
}

// AssetList is the YAML asset list document.
type AssetList struct {
	Assets []AssetEntry `yaml:"assets"`
}

// column names of the spreadsheet export the asset list originally came from
const (
	csvSymbolColumn = "Coin symbol"
	csvNameColumn   = "Common Name"
	csvIDColumn     = "CG API ID"
)

// LoadAssets reads the asset list from a .yml/.yaml or .csv file. The list
// must be non-empty and symbols must be unique.
func LoadAssets(path string) ([]models.AssetSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset list: %w", err)
	}
	defer f.Close()

	var entries []AssetEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		entries, err = parseAssetCSV(f)
	case ".yml", ".yaml":
		var list AssetList
		if err = yaml.NewDecoder(f).Decode(&list); err == nil {
			entries = list.Assets
		}
	default:
		return nil, fmt.Errorf("unsupported asset list format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse asset list: %w", err)
	}

	return buildAssets(entries)
}

func parseAssetCSV(r io.Reader) ([]AssetEntry, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	symCol, ok := idx[csvSymbolColumn]
	if !ok {
		return nil, fmt.Errorf("missing %q column", csvSymbolColumn)
	}

	get := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []AssetEntry
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if symCol >= len(row) || strings.TrimSpace(row[symCol]) == "" {
			continue
		}
		out = append(out, AssetEntry{
			Symbol:      get(row, csvSymbolColumn),
			Name:        get(row, csvNameColumn),
			CoinGeckoID: get(row, csvIDColumn),
		})
	}
	return out, nil
}

func buildAssets(entries []AssetEntry) ([]models.AssetSpec, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("asset list is empty")
	}
	seen := make(map[string]bool, len(entries))
	out := make([]models.AssetSpec, 0, len(entries))
	for i, e := range entries {
		sym := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("asset %d has no symbol", i)
		}
		if seen[sym] {
			return nil, fmt.Errorf("duplicate asset symbol %s", sym)
		}
		seen[sym] = true

		keys := make(map[models.Provider]string, 3)
		if v := strings.TrimSpace(e.CoinGeckoID); v != "" {
			keys[models.ProviderCoinGecko] = v
		}
		if v := strings.TrimSpace(e.BinanceSymbol); v != "" {
			keys[models.ProviderBinance] = strings.ToUpper(v)
		}
		if v := strings.TrimSpace(e.KrakenPair); v != "" {
			keys[models.ProviderKraken] = strings.ToUpper(v)
		}
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = sym
		}
		out = append(out, models.AssetSpec{Symbol: sym, Name: name, Keys: keys})
	}
	return out, nil
}
