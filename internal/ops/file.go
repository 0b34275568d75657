package ops

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"

	"main/internal/policy"
	"main/internal/schema"
)

// FileConfig mirrors the JSON config layout: the trading universe plus the
// initial limits.
type FileConfig struct {
	Registry RegistryConfig `json:"registry"`
	Limits   *policy.Limits `json:"limits,omitempty"`
	Accounts []AccountSeed  `json:"accounts,omitempty"`
}

// RegistryConfig defines adapter and symbol mappings.
type RegistryConfig struct {
	Adapters []schema.AdapterSpec `json:"adapters"`
	Symbols  []SymbolConfig       `json:"symbols"`
}

// SymbolConfig describes a symbol entry.
type SymbolConfig struct {
	Name     string           `json:"name"`
	Scale    schema.ScaleSpec `json:"scale"`
	Adapters []string         `json:"adapters"`
}

// AccountSeed sets a client's balance for the margin check.
type AccountSeed struct {
	ClientID string          `json:"clientId"`
	Balance  schema.Notional `json:"balance"`
}

// Loaded is the resolved file configuration ready for use.
type Loaded struct {
	Registry *schema.Registry
	Limits   policy.Limits
	Accounts []AccountSeed
}

// LoadFile reads the JSON config file and builds the registry.
func LoadFile(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}

	registry, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}

	limits := policy.DefaultLimits()
	if cfg.Limits != nil {
		limits = *cfg.Limits
	}
	return Loaded{Registry: registry, Limits: limits, Accounts: cfg.Accounts}, nil
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, adapter := range cfg.Adapters {
		if err := reg.AddAdapter(adapter); err != nil {
			return nil, err
		}
	}
	for _, sym := range cfg.Symbols {
		if err := validateScale(sym.Scale); err != nil {
			return nil, fmt.Errorf("invalid scale for %s: %w", sym.Name, err)
		}
		for _, name := range sym.Adapters {
			if _, ok := reg.Adapter(name); !ok {
				return nil, fmt.Errorf("adapter not found: %s", name)
			}
		}
		if err := reg.AddSymbol(schema.SymbolSpec{
			Name:     sym.Name,
			Scale:    sym.Scale,
			Adapters: sym.Adapters,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func validateScale(scale schema.ScaleSpec) error {
	if scale.PriceScale < 0 || scale.QuantityScale < 0 {
		return fmt.Errorf("scale must be >= 0")
	}
	return nil
}
