package mem

import (
	"github.com/stackform/stackform/pkg/engine"
)

// DefaultSchemas returns the built-in development kinds. They cover
// the lifecycle surface the engine cares about: required attributes,
// defaults, immutable attributes forcing replaces, computed outputs,
// and both replace orderings.
func DefaultSchemas() []*engine.KindSchema {
	return []*engine.KindSchema{
		{
			Kind: "core.group",
			Attributes: map[string]engine.AttrSchema{
				"location": {Type: engine.TypeString, Required: true, Immutable: true},
				"tags":     {Type: engine.TypeMap},
				"id":       {Type: engine.TypeString, Computed: true},
			},
		},
		{
			Kind: "storage.account",
			Attributes: map[string]engine.AttrSchema{
				"group":    {Type: engine.TypeString, Required: true},
				"tier":     {Type: engine.TypeString, Default: engine.String("standard")},
				"replicas": {Type: engine.TypeInt, Default: engine.Int(1)},
				"id":       {Type: engine.TypeString, Computed: true},
				"endpoint": {Type: engine.TypeString, Computed: true},
			},
		},
		{
			Kind: "net.subnet",
			Attributes: map[string]engine.AttrSchema{
				"group": {Type: engine.TypeString, Required: true},
				"cidr":  {Type: engine.TypeString, Required: true, Immutable: true},
				"id":    {Type: engine.TypeString, Computed: true},
			},
			// Subnets front live traffic, so the replacement comes up
			// before the old one goes away.
			CreateBeforeDestroy: true,
		},
		{
			Kind: "compute.vm",
			Attributes: map[string]engine.AttrSchema{
				"group":  {Type: engine.TypeString, Required: true},
				"subnet": {Type: engine.TypeString},
				"image":  {Type: engine.TypeString, Required: true, Immutable: true},
				"size":   {Type: engine.TypeString, Default: engine.String("small")},
				"labels": {Type: engine.TypeList},
				"id":     {Type: engine.TypeString, Computed: true},
			},
		},
	}
}

// Register wires the provider into a registry under every kind it
// serves.
func (p *Provider) Register(reg *engine.Registry) {
	p.mu.Lock()
	kinds := make([]string, 0, len(p.schemas))
	for k := range p.schemas {
		kinds = append(kinds, k)
	}
	p.mu.Unlock()
	for _, k := range kinds {
		reg.RegisterKind(k, p)
	}
}
