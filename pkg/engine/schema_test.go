package engine

import (
	"errors"
	"testing"
)

func TestValidateResource(t *testing.T) {
	tests := []struct {
		name    string
		attrs   Map
		wantErr bool
	}{
		{
			name:  "valid with all attributes",
			attrs: Map{"group": String("rg"), "tier": String("premium"), "replicas": Int(3)},
		},
		{
			name:  "defaults fill missing attributes",
			attrs: Map{"group": String("rg")},
		},
		{
			name:    "missing required attribute",
			attrs:   Map{"tier": String("premium")},
			wantErr: true,
		},
		{
			name:    "undeclared attribute",
			attrs:   Map{"group": String("rg"), "colour": String("red")},
			wantErr: true,
		},
		{
			name:    "wrong shape",
			attrs:   Map{"group": String("rg"), "replicas": String("three")},
			wantErr: true,
		},
		{
			name:  "reference passes shape checks",
			attrs: Map{"group": Ref{Target: ident("core.group", "rg"), Attr: "id"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := accountSchema()
			res := &Resource{
				Identity: ident("storage.account", "sa1"),
				Attrs:    CopyMap(tt.attrs),
			}
			err := schema.ValidateResource(res)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ValidateResource succeeded, want error")
				}
				var re *ReconcileError
				if !errors.As(err, &re) || re.Code != ErrCodeSchemaViolation {
					t.Errorf("error = %v, want SCHEMA_VIOLATION", err)
				}
				if !IsFatal(err) {
					t.Errorf("schema violation should be fatal, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateResource failed: %v", err)
			}
		})
	}
}

func TestValidateResourceFillsDefaults(t *testing.T) {
	schema := accountSchema()
	res := &Resource{
		Identity: ident("storage.account", "sa1"),
		Attrs:    Map{"group": String("rg")},
	}
	if err := schema.ValidateResource(res); err != nil {
		t.Fatalf("ValidateResource failed: %v", err)
	}
	if res.Attrs["tier"] != String("standard") {
		t.Errorf("tier default = %v, want standard", res.Attrs["tier"])
	}
	if res.Attrs["replicas"] != Int(1) {
		t.Errorf("replicas default = %v, want 1", res.Attrs["replicas"])
	}
	// Computed attributes are provider output, never defaulted in.
	if _, present := res.Attrs["endpoint"]; present {
		t.Error("computed attribute was filled during validation")
	}
}

func TestAttrsEqual(t *testing.T) {
	schema := accountSchema()
	recorded := Map{
		"group":    String("rg"),
		"tier":     String("standard"),
		"replicas": Int(1),
		"id":       String("ext-1"),
		"endpoint": String("ext-1/endpoint"),
	}

	tests := []struct {
		name    string
		desired Map
		want    bool
	}{
		{
			name:    "identical modulo computed",
			desired: Map{"group": String("rg"), "tier": String("standard"), "replicas": Int(1)},
			want:    true,
		},
		{
			name:    "changed attribute",
			desired: Map{"group": String("rg"), "tier": String("premium"), "replicas": Int(1)},
			want:    false,
		},
		{
			name: "desired reference matches any recorded value",
			desired: Map{
				"group":    Ref{Target: ident("core.group", "rg"), Attr: "id"},
				"tier":     String("standard"),
				"replicas": Int(1),
			},
			want: true,
		},
		{
			name:    "attribute missing on one side",
			desired: Map{"group": String("rg"), "replicas": Int(1)},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := schema.AttrsEqual(tt.desired, recorded); got != tt.want {
				t.Errorf("AttrsEqual = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestImmutableChanges(t *testing.T) {
	schema := groupSchema()
	recorded := Map{"location": String("west"), "tags": Map{"env": String("dev")}}

	if changed := schema.ImmutableChanges(
		Map{"location": String("west"), "tags": Map{"env": String("prod")}},
		recorded); len(changed) != 0 {
		t.Errorf("mutable change reported as immutable: %v", changed)
	}

	changed := schema.ImmutableChanges(Map{"location": String("east")}, recorded)
	if len(changed) != 1 || changed[0] != "location" {
		t.Errorf("ImmutableChanges = %v, want [location]", changed)
	}

	// A reference on the desired side is unresolved at plan time and
	// never forces a replace.
	if changed := schema.ImmutableChanges(
		Map{"location": Ref{Target: ident("core.group", "other"), Attr: "location"}},
		recorded); len(changed) != 0 {
		t.Errorf("reference forced a replace: %v", changed)
	}
}
