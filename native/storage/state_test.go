package storage

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

type mockState struct {
	balances   map[common.Address]*big.Int
	burned     *big.Int
	sequences  map[string]uint64
	providers  map[common.Address]*Provider
	buckets    map[uint64]*Bucket
	agreements map[RequestKey]*Agreement
	requests   map[RequestKey]*Request
	challenges map[uint64]*Challenge
}

func newMockState() *mockState {
	return &mockState{
		balances:   make(map[common.Address]*big.Int),
		burned:     new(big.Int),
		sequences:  make(map[string]uint64),
		providers:  make(map[common.Address]*Provider),
		buckets:    make(map[uint64]*Bucket),
		agreements: make(map[RequestKey]*Agreement),
		requests:   make(map[RequestKey]*Request),
		challenges: make(map[uint64]*Challenge),
	}
}

func (m *mockState) Balance(addr common.Address) (*big.Int, error) {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (m *mockState) SetBalance(addr common.Address, amount *big.Int) error {
	m.balances[addr] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) AddBurned(amount *big.Int) error {
	m.burned.Add(m.burned, amount)
	return nil
}

func (m *mockState) Burned() (*big.Int, error) {
	return new(big.Int).Set(m.burned), nil
}

func (m *mockState) NextSequence(name string) (uint64, error) {
	m.sequences[name]++
	return m.sequences[name], nil
}

func (m *mockState) StorageProvider(addr common.Address) (*Provider, bool, error) {
	p, ok := m.providers[addr]
	return p.Clone(), ok, nil
}

func (m *mockState) PutStorageProvider(p *Provider) error {
	m.providers[p.Address] = p.Clone()
	return nil
}

func (m *mockState) DeleteStorageProvider(addr common.Address) error {
	delete(m.providers, addr)
	return nil
}

func (m *mockState) StorageBucket(id uint64) (*Bucket, bool, error) {
	b, ok := m.buckets[id]
	return b.Clone(), ok, nil
}

func (m *mockState) PutStorageBucket(b *Bucket) error {
	m.buckets[b.ID] = b.Clone()
	return nil
}

func (m *mockState) StorageAgreement(bucket uint64, provider common.Address) (*Agreement, bool, error) {
	a, ok := m.agreements[RequestKey{Bucket: bucket, Provider: provider}]
	return a.Clone(), ok, nil
}

func (m *mockState) PutStorageAgreement(a *Agreement) error {
	m.agreements[RequestKey{Bucket: a.Bucket, Provider: a.Provider}] = a.Clone()
	return nil
}

func (m *mockState) DeleteStorageAgreement(bucket uint64, provider common.Address) error {
	delete(m.agreements, RequestKey{Bucket: bucket, Provider: provider})
	return nil
}

func (m *mockState) StorageBucketAgreements(bucket uint64) ([]common.Address, error) {
	var out []common.Address
	for key := range m.agreements {
		if key.Bucket == bucket {
			out = append(out, key.Provider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}

func (m *mockState) StorageRequest(bucket uint64, provider common.Address) (*Request, bool, error) {
	r, ok := m.requests[RequestKey{Bucket: bucket, Provider: provider}]
	return r.Clone(), ok, nil
}

func (m *mockState) PutStorageRequest(r *Request) error {
	m.requests[RequestKey{Bucket: r.Bucket, Provider: r.Provider}] = r.Clone()
	return nil
}

func (m *mockState) DeleteStorageRequest(bucket uint64, provider common.Address) error {
	delete(m.requests, RequestKey{Bucket: bucket, Provider: provider})
	return nil
}

func (m *mockState) StoragePendingRequests() ([]RequestKey, error) {
	out := make([]RequestKey, 0, len(m.requests))
	for key := range m.requests {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return bytes.Compare(out[i].Provider[:], out[j].Provider[:]) < 0
	})
	return out, nil
}

func (m *mockState) StorageChallenge(id uint64) (*Challenge, bool, error) {
	c, ok := m.challenges[id]
	return c.Clone(), ok, nil
}

func (m *mockState) PutStorageChallenge(c *Challenge) error {
	m.challenges[c.ID] = c.Clone()
	return nil
}

func (m *mockState) DeleteStorageChallenge(id uint64) error {
	delete(m.challenges, id)
	return nil
}

func (m *mockState) StorageOpenChallenges() ([]uint64, error) {
	out := make([]uint64, 0, len(m.challenges))
	for id := range m.challenges {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// total sums every balance, every escrow held by the module and the burned
// supply. Transitions must keep it constant.
func (m *mockState) total() *big.Int {
	sum := new(big.Int).Set(m.burned)
	for _, bal := range m.balances {
		sum.Add(sum, bal)
	}
	for _, p := range m.providers {
		sum.Add(sum, p.Stake)
	}
	for _, a := range m.agreements {
		sum.Add(sum, a.PaymentLocked)
		if a.Replica != nil {
			sum.Add(sum, a.Replica.SyncBalance)
		}
	}
	for _, r := range m.requests {
		sum.Add(sum, r.Escrowed())
	}
	for _, c := range m.challenges {
		sum.Add(sum, c.Deposit)
	}
	return sum
}
