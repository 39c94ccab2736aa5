package market

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes one tradable symbol: its market class, the adapter
// that serves it, and per-provider native identifiers (e.g. BTC-USD maps to
// BTCUSDT on Binance).
type CatalogEntry struct {
	Symbol   string            `yaml:"symbol"`
	Class    Class             `yaml:"class"`
	Provider string            `yaml:"provider,omitempty"`
	Native   map[string]string `yaml:"native,omitempty"`
}

// Catalog routes canonical symbols to market classes and provider-native
// identifiers. Every symbol resolves to exactly one primary provider, which
// keeps the quote cache single-writer per symbol.
type Catalog struct {
	entries map[string]CatalogEntry
}

// catalogFile is the on-disk shape of symbols.yaml.
type catalogFile struct {
	Symbols []CatalogEntry `yaml:"symbols"`
}

// LoadCatalog reads a symbol catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbol catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse symbol catalog: %w", err)
	}

	c := &Catalog{entries: make(map[string]CatalogEntry, len(file.Symbols))}
	for _, entry := range file.Symbols {
		if entry.Symbol == "" {
			return nil, fmt.Errorf("symbol catalog entry missing symbol field")
		}
		if entry.Class != ClassEquity && entry.Class != ClassCrypto {
			return nil, fmt.Errorf("symbol %s has unknown class %q", entry.Symbol, entry.Class)
		}
		c.entries[strings.ToUpper(entry.Symbol)] = entry
	}

	return c, nil
}

// DefaultCatalog returns the built-in catalog used when no symbols.yaml is
// configured: the common US large caps plus the major crypto pairs.
func DefaultCatalog() *Catalog {
	entries := []CatalogEntry{
		{Symbol: "AAPL", Class: ClassEquity},
		{Symbol: "MSFT", Class: ClassEquity},
		{Symbol: "GOOGL", Class: ClassEquity},
		{Symbol: "AMZN", Class: ClassEquity},
		{Symbol: "NVDA", Class: ClassEquity},
		{Symbol: "TSLA", Class: ClassEquity},
		{Symbol: "META", Class: ClassEquity},
		{Symbol: "BTC-USD", Class: ClassCrypto, Native: map[string]string{"binance": "BTCUSDT"}},
		{Symbol: "ETH-USD", Class: ClassCrypto, Native: map[string]string{"binance": "ETHUSDT"}},
		{Symbol: "SOL-USD", Class: ClassCrypto, Native: map[string]string{"binance": "SOLUSDT"}},
	}

	c := &Catalog{entries: make(map[string]CatalogEntry, len(entries))}
	for _, e := range entries {
		c.entries[e.Symbol] = e
	}
	return c
}

// Lookup resolves a canonical symbol. Unknown symbols are classified
// heuristically so ad-hoc agent queries still route somewhere sensible.
func (c *Catalog) Lookup(id string) Symbol {
	id = strings.ToUpper(strings.TrimSpace(id))
	if entry, ok := c.entries[id]; ok {
		return Symbol{ID: id, Class: entry.Class}
	}
	return Symbol{ID: id, Class: classify(id)}
}

// Known reports whether the symbol is declared in the catalog.
func (c *Catalog) Known(id string) bool {
	_, ok := c.entries[strings.ToUpper(strings.TrimSpace(id))]
	return ok
}

// Native returns the provider-native identifier for a symbol, falling back
// to a conventional mapping when the catalog has no explicit override.
func (c *Catalog) Native(provider, id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if entry, ok := c.entries[id]; ok {
		if native, ok := entry.Native[strings.ToLower(provider)]; ok {
			return native
		}
	}
	// Conventional crypto mapping: BTC-USD -> BTCUSDT on exchange feeds.
	if classify(id) == ClassCrypto && strings.EqualFold(provider, "binance") {
		base := strings.TrimSuffix(strings.TrimSuffix(id, "-USD"), "-USDT")
		return base + "USDT"
	}
	return id
}

// Canonical reverses Native: maps a provider-native identifier back to the
// canonical symbol, scanning catalog overrides first.
func (c *Catalog) Canonical(provider, native string) string {
	native = strings.ToUpper(strings.TrimSpace(native))
	for id, entry := range c.entries {
		if n, ok := entry.Native[strings.ToLower(provider)]; ok && strings.EqualFold(n, native) {
			return id
		}
	}
	if strings.EqualFold(provider, "binance") && strings.HasSuffix(native, "USDT") {
		return strings.TrimSuffix(native, "USDT") + "-USD"
	}
	return native
}

// Symbols returns all cataloged symbols.
func (c *Catalog) Symbols() []Symbol {
	out := make([]Symbol, 0, len(c.entries))
	for id, entry := range c.entries {
		out = append(out, Symbol{ID: id, Class: entry.Class})
	}
	return out
}

func classify(id string) Class {
	if strings.HasSuffix(id, "-USD") || strings.HasSuffix(id, "-USDT") || strings.HasSuffix(id, "USDT") {
		return ClassCrypto
	}
	return ClassEquity
}
