package capability

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// Table holds callables indexed by name.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Callable
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]Callable),
	}
}

// Add registers c. Names must be valid and unique.
func (t *Table) Add(c Callable) error {
	if c.Name == "" {
		return &UnsupportedCallableError{Reason: "table entries must be named"}
	}
	if err := c.Validate(false); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[c.Name]; exists {
		return fmt.Errorf("capability %q already registered", c.Name)
	}
	t.entries[c.Name] = c
	return nil
}

// Get retrieves a callable by name.
func (t *Table) Get(name string) (Callable, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.entries[name]
	return c, ok
}

// Names returns the registered names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered callables.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Fingerprint is a BLAKE3 digest of the sorted entry names. Two processes with
// the same fingerprint resolve every name to the same callable.
func (t *Table) Fingerprint() string {
	h := blake3.New()
	for _, name := range t.Names() {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
