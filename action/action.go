// Package action maintains the server-side registry of client actions.
//
// Actions execute on endpoints, not on the server. The server only needs
// each action's name and payload type names so CallClient can reject an
// unknown action at flow-author time instead of shipping it to the fleet
// and waiting for a generic error status to come back.
package action

import (
	"fmt"
	"sort"
	"sync"
)

// Definition describes a client action the server may request.
type Definition struct {
	// Name is the unique action name sent to clients (required)
	Name string

	// Description describes what the action does on the endpoint
	Description string

	// ArgsType is the Document type name the action expects as its
	// request payload. Empty means the action takes no arguments.
	ArgsType string

	// ResultTypes lists the Document type names the action replies
	// with, not counting the final status message.
	ResultTypes []string

	// RequiresAdmin marks actions clients only execute for requests
	// carrying the server's admin authorization.
	RequiresAdmin bool
}

// Validate validates the action definition
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("action name is required")
	}
	return nil
}

// Global registry - package-level and populated at init() time
var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Definition)
)

// Register registers an action definition globally.
// This should be called at package init time, before any flow uses the
// action in CallClient.
//
// Example:
//
//	func init() {
//	    action.MustRegister(&action.Definition{
//	        Name:     "Find",
//	        ArgsType: "FindArgs",
//	    })
//	}
func Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("action definition is nil")
	}

	if err := def.Validate(); err != nil {
		return err
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Name]; exists {
		return fmt.Errorf("action %q already registered", def.Name)
	}

	registry[def.Name] = def
	return nil
}

// MustRegister is like Register but panics on error.
// This is useful for init() functions where errors should be fatal.
func MustRegister(def *Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns a registered action definition by name.
func Lookup(name string) (*Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[name]
	return def, ok
}

// List returns all registered action names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered actions.
func Count() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// ClearRegistry removes all registered actions.
// This is mainly useful for testing.
func ClearRegistry() {
	registryMu.Lock()
	registry = make(map[string]*Definition)
	registryMu.Unlock()
}
