package schema

import "fmt"

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=5 means the integer value is scaled by 1e5.
type Scale int32

// ScaleSpec defines scaling for the numeric fields of a symbol.
type ScaleSpec struct {
	PriceScale    Scale `json:"priceScale"`
	QuantityScale Scale `json:"quantityScale"`
}

// AdapterSpec describes a broker connector endpoint.
type AdapterSpec struct {
	Name        string `json:"name"`
	Priority    int    `json:"priority"`
	MaxInflight int    `json:"maxInflight"`
}

// SymbolSpec describes a tradable instrument and its routing targets.
type SymbolSpec struct {
	Name     string    `json:"name"`
	Scale    ScaleSpec `json:"scale"`
	Adapters []string  `json:"adapters"`
}

// Registry stores symbol and adapter mappings.
type Registry struct {
	adapters      []AdapterSpec
	symbols       []SymbolSpec
	adapterByName map[string]int
	symbolByName  map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapterByName: make(map[string]int),
		symbolByName:  make(map[string]int),
	}
}

// AddAdapter registers a broker connector.
func (r *Registry) AddAdapter(spec AdapterSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("adapter name is empty")
	}
	if _, ok := r.adapterByName[spec.Name]; ok {
		return fmt.Errorf("adapter already exists: %s", spec.Name)
	}
	if spec.MaxInflight <= 0 {
		spec.MaxInflight = 100
	}
	r.adapterByName[spec.Name] = len(r.adapters)
	r.adapters = append(r.adapters, spec)
	return nil
}

// AddSymbol registers a symbol. Every routing target must already exist.
func (r *Registry) AddSymbol(spec SymbolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("symbol name is empty")
	}
	if _, ok := r.symbolByName[spec.Name]; ok {
		return fmt.Errorf("symbol already exists: %s", spec.Name)
	}
	for _, name := range spec.Adapters {
		if _, ok := r.adapterByName[name]; !ok {
			return fmt.Errorf("symbol %s routes to unknown adapter: %s", spec.Name, name)
		}
	}
	r.symbolByName[spec.Name] = len(r.symbols)
	r.symbols = append(r.symbols, spec)
	return nil
}

// Symbol returns the spec for a symbol name.
func (r *Registry) Symbol(name string) (SymbolSpec, bool) {
	idx, ok := r.symbolByName[name]
	if !ok {
		return SymbolSpec{}, false
	}
	return r.symbols[idx], true
}

// Adapter returns the spec for an adapter name.
func (r *Registry) Adapter(name string) (AdapterSpec, bool) {
	idx, ok := r.adapterByName[name]
	if !ok {
		return AdapterSpec{}, false
	}
	return r.adapters[idx], true
}

// Adapters returns all registered adapters.
func (r *Registry) Adapters() []AdapterSpec {
	out := make([]AdapterSpec, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// Symbols returns all registered symbols.
func (r *Registry) Symbols() []SymbolSpec {
	out := make([]SymbolSpec, len(r.symbols))
	copy(out, r.symbols)
	return out
}
