package engine

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := Map{
		"name":    String("web"),
		"count":   Int(3),
		"ratio":   Float(0.5),
		"enabled": Bool(true),
		"labels":  List{String("a"), String("b")},
		"nested": Map{
			"inner": Int(7),
		},
		"group": Ref{Target: ident("core.group", "rg"), Attr: "name"},
	}

	encoded := EncodeMap(original)
	decoded, err := DecodeMap(encoded)
	if err != nil {
		t.Fatalf("DecodeMap failed: %v", err)
	}
	if !ValuesEqual(original, decoded) {
		t.Errorf("round trip changed value:\noriginal: %#v\ndecoded:  %#v", original, decoded)
	}
}

func TestEncodeRefToken(t *testing.T) {
	encoded := EncodeValue(Ref{Target: ident("storage.account", "sa"), Attr: "endpoint"})
	want := "ref://storage.account.sa.endpoint"
	if encoded != want {
		t.Errorf("encoded ref = %v, want %s", encoded, want)
	}
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name string
		data any
		want Value
	}{
		{"string", "hello", String("hello")},
		{"bool", true, Bool(true)},
		{"int64", int64(42), Int(42)},
		{"integral float", float64(42), Int(42)},
		{"fractional float", 1.5, Float(1.5)},
		{"ref token", "ref://core.group.rg.id", Ref{Target: ident("core.group", "rg"), Attr: "id"}},
		{"plain prefix-free string", "reference", String("reference")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue(tt.data)
			if err != nil {
				t.Fatalf("DecodeValue(%v) failed: %v", tt.data, err)
			}
			if !ValuesEqual(got, tt.want) {
				t.Errorf("DecodeValue(%v) = %#v, want %#v", tt.data, got, tt.want)
			}
		})
	}
}

func TestDecodeValueMalformedRef(t *testing.T) {
	for _, token := range []string{"ref://", "ref://noidentity", "ref://kind."} {
		if _, err := DecodeValue(token); err == nil {
			t.Errorf("DecodeValue(%q) succeeded, want error", token)
		}
	}
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"equal strings", String("x"), String("x"), true},
		{"different strings", String("x"), String("y"), false},
		{"int vs float", Int(1), Float(1), false},
		{"equal lists", List{Int(1), Int(2)}, List{Int(1), Int(2)}, true},
		{"list order matters", List{Int(1), Int(2)}, List{Int(2), Int(1)}, false},
		{"equal maps", Map{"a": Int(1)}, Map{"a": Int(1)}, true},
		{"missing key", Map{"a": Int(1)}, Map{}, false},
		{
			"refs compare structurally",
			Ref{Target: ident("a.b", "c"), Attr: "x"},
			Ref{Target: ident("a.b", "c"), Attr: "x"},
			true,
		},
		{
			"refs with different attr",
			Ref{Target: ident("a.b", "c"), Attr: "x"},
			Ref{Target: ident("a.b", "c"), Attr: "y"},
			false,
		},
		{"nil vs value", nil, String("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValuesEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("ValuesEqual(%#v, %#v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCopyMapDoesNotAlias(t *testing.T) {
	original := Map{
		"list":   List{String("a")},
		"nested": Map{"inner": Int(1)},
	}
	copied := CopyMap(original)

	copied["nested"].(Map)["inner"] = Int(99)
	copied["list"].(List)[0] = String("changed")

	if original["nested"].(Map)["inner"] != Int(1) {
		t.Error("mutating the copy changed the original nested map")
	}
	if original["list"].(List)[0] != String("a") {
		t.Error("mutating the copy changed the original list")
	}
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		input   string
		want    Identity
		wantErr bool
	}{
		{"core.group.rg1", Identity{Kind: "core.group", Name: "rg1"}, false},
		{"vm.web", Identity{Kind: "vm", Name: "web"}, false},
		{"noseparator", Identity{}, true},
		{"trailing.", Identity{}, true},
		{".leading", Identity{}, true},
	}

	for _, tt := range tests {
		got, err := ParseIdentity(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseIdentity(%q) succeeded, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIdentity(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIdentity(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestReferencedIdentities(t *testing.T) {
	res := &Resource{
		Identity: ident("compute.vm", "web"),
		Attrs: Map{
			"group": Ref{Target: ident("core.group", "rg"), Attr: "id"},
			"disks": List{
				Map{"store": Ref{Target: ident("storage.account", "sa"), Attr: "id"}},
			},
			"again": Ref{Target: ident("core.group", "rg"), Attr: "location"},
		},
		DependsOn: []Identity{ident("net.subnet", "front")},
	}

	got := res.ReferencedIdentities()
	want := []Identity{
		ident("core.group", "rg"),
		ident("storage.account", "sa"),
		ident("net.subnet", "front"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d identities %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("identity[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
