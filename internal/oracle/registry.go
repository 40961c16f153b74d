package oracle

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// VaultsRegistry tells the keeper which callers are vaults allowed to harvest.
type VaultsRegistry interface {
	IsRegisteredVault(vault common.Address) bool
}

// StaticRegistry is an in-process VaultsRegistry.
type StaticRegistry struct {
	mu     sync.RWMutex
	vaults map[common.Address]struct{}
}

func NewStaticRegistry(vaults ...common.Address) *StaticRegistry {
	r := &StaticRegistry{vaults: make(map[common.Address]struct{}, len(vaults))}
	for _, v := range vaults {
		r.vaults[v] = struct{}{}
	}
	return r
}

// Add registers a vault.
func (r *StaticRegistry) Add(vault common.Address) {
	r.mu.Lock()
	r.vaults[vault] = struct{}{}
	r.mu.Unlock()
}

func (r *StaticRegistry) IsRegisteredVault(vault common.Address) bool {
	r.mu.RLock()
	_, ok := r.vaults[vault]
	r.mu.RUnlock()
	return ok
}
