package action

import (
	"testing"
)

func TestBuiltinActionsSeeded(t *testing.T) {
	for _, name := range []string{"Interrogate", "Echo", "ListDirectory", "StatFile", "TransferBuffer"} {
		def, ok := Lookup(name)
		if !ok {
			t.Fatalf("builtin action %q not registered", name)
		}
		if def.Name != name {
			t.Errorf("definition name mismatch: %q != %q", def.Name, name)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	if err := Register(nil); err == nil {
		t.Error("expected error for nil definition")
	}
	if err := Register(&Definition{}); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	def := &Definition{Name: "testDuplicateAction"}
	if err := Register(def); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	defer func() {
		// Leave the global registry as we found it for other tests.
		registryMu.Lock()
		delete(registry, def.Name)
		registryMu.Unlock()
	}()

	if err := Register(def); err == nil {
		t.Error("expected error registering duplicate action")
	}
}

func TestListSorted(t *testing.T) {
	names := List()
	if len(names) < 5 {
		t.Fatalf("expected at least 5 builtin actions, got %d", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("List not sorted: %q before %q", names[i-1], names[i])
		}
	}
	if Count() != len(names) {
		t.Errorf("Count %d != len(List) %d", Count(), len(names))
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup("NoSuchAction"); ok {
		t.Error("Lookup returned true for unknown action")
	}
}
