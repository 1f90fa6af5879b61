// Package identity resolves ledger accounts to off-chain identities. The
// storage engine uses it to keep one provider per identity and to order
// pending requests by the requester's priority tier.
package identity

import (
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidIdentity = errors.New("identity: invalid identity")

// Record binds an account to an identity and a priority tier. Higher tiers
// are served first.
type Record struct {
	Identity string
	Tier     uint8
}

// ProviderLister enumerates the accounts currently registered as providers.
type ProviderLister interface {
	StorageProviders() ([]common.Address, error)
}

// Directory is an in-memory identity table loaded from genesis or operator
// configuration.
type Directory struct {
	mu sync.RWMutex
	// strict refuses provider registration from accounts without a record.
	strict  bool
	records map[common.Address]Record
}

func NewDirectory(strict bool) *Directory {
	return &Directory{strict: strict, records: make(map[common.Address]Record)}
}

// Set binds addr to rec, replacing any previous binding.
func (d *Directory) Set(addr common.Address, rec Record) error {
	rec.Identity = strings.TrimSpace(rec.Identity)
	if rec.Identity == "" {
		return ErrInvalidIdentity
	}
	d.mu.Lock()
	d.records[addr] = rec
	d.mu.Unlock()
	return nil
}

func (d *Directory) Lookup(addr common.Address) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[addr]
	return rec, ok
}

// Oracle answers identity questions against the provider set visible
// through providers, normally the ledger state of the running transition.
func (d *Directory) Oracle(providers ProviderLister) *Oracle {
	return &Oracle{dir: d, providers: providers}
}

type Oracle struct {
	dir       *Directory
	providers ProviderLister
}

// Distinct reports whether addr maps to an identity that no registered
// provider already uses.
func (o *Oracle) Distinct(addr common.Address) bool {
	rec, ok := o.dir.Lookup(addr)
	if !ok {
		return !o.dir.strict
	}
	registered, err := o.providers.StorageProviders()
	if err != nil {
		return false
	}
	for _, p := range registered {
		if p == addr {
			continue
		}
		if other, ok := o.dir.Lookup(p); ok && other.Identity == rec.Identity {
			return false
		}
	}
	return true
}

// PriorityTier returns the tier of addr, zero when unknown.
func (o *Oracle) PriorityTier(addr common.Address) uint8 {
	rec, _ := o.dir.Lookup(addr)
	return rec.Tier
}
