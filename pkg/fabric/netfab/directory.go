// Package netfab carries flows between processes over stream transports.
// A Node serves allocations into its local fabric; a Client is a Fabric that
// allocates on remote nodes found through a static Directory.
package netfab

import (
	"fmt"
	"sort"
	"sync"

	"github.com/WebFirstLanguage/ouroboros/pkg/fabric"
	"github.com/WebFirstLanguage/ouroboros/pkg/naming"
)

// Directory maps names to the transport address of the node serving them
type Directory struct {
	mu      sync.RWMutex
	entries map[naming.Hash]entry
}

type entry struct {
	name string
	addr string
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{entries: make(map[naming.Hash]entry)}
}

// Add maps name to addr, replacing any previous mapping
func (d *Directory) Add(name, addr string) error {
	norm, err := naming.Normalize(name)
	if err != nil {
		return err
	}
	h, err := naming.HashName(norm)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[h] = entry{name: norm, addr: addr}
	return nil
}

// Remove drops the mapping for name
func (d *Directory) Remove(name string) {
	h, err := naming.HashName(name)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, h)
}

// Resolve returns the address serving name
func (d *Directory) Resolve(name string) (string, error) {
	h, err := naming.HashName(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", fabric.ErrNameNotFound, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[h]
	if !ok {
		return "", fmt.Errorf("%w: %s", fabric.ErrNameNotFound, name)
	}
	return e.addr, nil
}

// Names returns the normalised names in the directory, sorted
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}
