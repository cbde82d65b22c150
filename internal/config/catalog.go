package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExchangeSpec describes one supported venue in the catalog filter file.
type ExchangeSpec struct {
	Code              string `yaml:"code"`
	Name              string `yaml:"name"`
	Country           string `yaml:"country"`
	Timezone          string `yaml:"timezone"`
	Currency          string `yaml:"currency"`
	TradingHoursStart string `yaml:"trading_hours_start"`
	TradingHoursEnd   string `yaml:"trading_hours_end"`
}

// CatalogFilter limits which master-file rows the importer accepts.
type CatalogFilter struct {
	Exchanges []ExchangeSpec `yaml:"exchanges"`
	Kinds     []string       `yaml:"instrument_kinds"`
}

// DefaultCatalogFilter covers NSE equity/index/futures, the segments the
// ingestion core operates on.
func DefaultCatalogFilter() *CatalogFilter {
	return &CatalogFilter{
		Exchanges: []ExchangeSpec{
			{
				Code:              "NSE",
				Name:              "National Stock Exchange of India",
				Country:           "India",
				Timezone:          "Asia/Kolkata",
				Currency:          "INR",
				TradingHoursStart: "09:15",
				TradingHoursEnd:   "15:30",
			},
		},
		Kinds: []string{"EQUITY", "INDEX", "FUTSTK", "FUTIDX"},
	}
}

// LoadCatalogFilter reads a YAML filter file, or returns the default when
// path is empty.
func LoadCatalogFilter(path string) (*CatalogFilter, error) {
	if path == "" {
		return DefaultCatalogFilter(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog filter: %w", err)
	}
	var f CatalogFilter
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog filter: %w", err)
	}
	if len(f.Exchanges) == 0 || len(f.Kinds) == 0 {
		return nil, fmt.Errorf("catalog filter must list at least one exchange and one instrument kind")
	}
	return &f, nil
}

// SupportedExchange reports whether code is in the filter.
func (f *CatalogFilter) SupportedExchange(code string) bool {
	for _, ex := range f.Exchanges {
		if ex.Code == code {
			return true
		}
	}
	return false
}

// SupportedKind reports whether the master-file instrument kind is accepted.
func (f *CatalogFilter) SupportedKind(kind string) bool {
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
