package templates

import (
	"testing"
)

func TestRegistryLoadsEmbeddedPresets(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, name := range []string{"plain", "alpaca", "chatml", "mistral"} {
		if r.Template(name) == nil {
			t.Errorf("preset %q missing", name)
		}
	}

	chatml := r.Template("chatml")
	if chatml.UserFormat == "" || chatml.AssistantFormat == "" {
		t.Error("chatml preset missing format strings")
	}
	if len(chatml.StopSequences) == 0 {
		t.Error("chatml preset missing stop sequences")
	}
}

func TestRegistryUnknownTemplate(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r.Template("no-such-preset") != nil {
		t.Error("unknown preset should return nil")
	}
}

func TestRegistryListPreservesOrder(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	list := r.List()
	if len(list) < 4 {
		t.Fatalf("List returned %d presets", len(list))
	}
	if list[0].Name != "plain" {
		t.Errorf("first preset = %q, want plain (file order)", list[0].Name)
	}
}
