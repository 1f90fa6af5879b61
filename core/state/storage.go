package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/native/storage"
)

var (
	storageParamsKey          = []byte("storage/params")
	storageProviderPrefix     = []byte("storage/provider/")
	storageProviderIndexKey   = []byte("storage/providers")
	storageBucketPrefix       = []byte("storage/bucket/")
	storageAgreementPrefix    = []byte("storage/agreement/")
	storageRequestPrefix      = []byte("storage/request/")
	storageRequestIndexKey    = []byte("storage/requests")
	storageChallengePrefix    = []byte("storage/challenge/")
	storageChallengeIndexKey  = []byte("storage/challenges")
	storageBucketAgreementTag = []byte("/agreements")
	storageProviderBucketsTag = []byte("/buckets")
)

func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func storageProviderKey(addr common.Address) []byte {
	return join(storageProviderPrefix, addr[:])
}

func storageProviderBucketsKey(addr common.Address) []byte {
	return join(storageProviderPrefix, addr[:], storageProviderBucketsTag)
}

func storageBucketKey(id uint64) []byte {
	return join(storageBucketPrefix, be64(id))
}

func storageBucketAgreementsKey(id uint64) []byte {
	return join(storageBucketPrefix, be64(id), storageBucketAgreementTag)
}

func requestKeyBytes(bucket uint64, provider common.Address) []byte {
	return join(be64(bucket), provider[:])
}

func storageAgreementKey(bucket uint64, provider common.Address) []byte {
	return join(storageAgreementPrefix, requestKeyBytes(bucket, provider))
}

func storageRequestKey(bucket uint64, provider common.Address) []byte {
	return join(storageRequestPrefix, requestKeyBytes(bucket, provider))
}

func storageChallengeKey(id uint64) []byte {
	return join(storageChallengePrefix, be64(id))
}

// StorageParams returns the persisted storage module parameters.
func (m *Manager) StorageParams() (storage.Params, bool, error) {
	var p storage.Params
	ok, err := m.KVGet(storageParamsKey, &p)
	return p, ok, err
}

// PutStorageParams persists the storage module parameters.
func (m *Manager) PutStorageParams(p storage.Params) error {
	return m.KVPut(storageParamsKey, &p)
}

func (m *Manager) StorageProvider(addr common.Address) (*storage.Provider, bool, error) {
	p := new(storage.Provider)
	ok, err := m.KVGet(storageProviderKey(addr), p)
	if err != nil || !ok {
		return nil, false, err
	}
	return p, true, nil
}

func (m *Manager) PutStorageProvider(p *storage.Provider) error {
	if err := m.KVPut(storageProviderKey(p.Address), p); err != nil {
		return err
	}
	return m.KVAppend(storageProviderIndexKey, p.Address.Bytes())
}

func (m *Manager) DeleteStorageProvider(addr common.Address) error {
	if err := m.KVDelete(storageProviderKey(addr)); err != nil {
		return err
	}
	return m.KVRemove(storageProviderIndexKey, addr.Bytes())
}

// StorageProviders lists every registered provider address in byte order.
func (m *Manager) StorageProviders() ([]common.Address, error) {
	var raw [][]byte
	if err := m.KVGetList(storageProviderIndexKey, &raw); err != nil {
		return nil, err
	}
	out := make([]common.Address, len(raw))
	for i, b := range raw {
		out[i] = common.BytesToAddress(b)
	}
	return out, nil
}

func (m *Manager) StorageBucket(id uint64) (*storage.Bucket, bool, error) {
	b := new(storage.Bucket)
	ok, err := m.KVGet(storageBucketKey(id), b)
	if err != nil || !ok {
		return nil, false, err
	}
	return b, true, nil
}

func (m *Manager) PutStorageBucket(b *storage.Bucket) error {
	return m.KVPut(storageBucketKey(b.ID), b)
}

// StorageBucketCount returns the highest bucket id handed out. Ids are dense
// from 1.
func (m *Manager) StorageBucketCount() (uint64, error) {
	return m.Sequence("bucket")
}

func (m *Manager) StorageAgreement(bucket uint64, provider common.Address) (*storage.Agreement, bool, error) {
	a := new(storage.Agreement)
	ok, err := m.KVGet(storageAgreementKey(bucket, provider), a)
	if err != nil || !ok {
		return nil, false, err
	}
	return a, true, nil
}

func (m *Manager) PutStorageAgreement(a *storage.Agreement) error {
	if err := m.KVPut(storageAgreementKey(a.Bucket, a.Provider), a); err != nil {
		return err
	}
	if err := m.KVAppend(storageBucketAgreementsKey(a.Bucket), a.Provider.Bytes()); err != nil {
		return err
	}
	return m.KVAppend(storageProviderBucketsKey(a.Provider), be64(a.Bucket))
}

func (m *Manager) DeleteStorageAgreement(bucket uint64, provider common.Address) error {
	if err := m.KVDelete(storageAgreementKey(bucket, provider)); err != nil {
		return err
	}
	if err := m.KVRemove(storageBucketAgreementsKey(bucket), provider.Bytes()); err != nil {
		return err
	}
	return m.KVRemove(storageProviderBucketsKey(provider), be64(bucket))
}

func (m *Manager) StorageBucketAgreements(bucket uint64) ([]common.Address, error) {
	var raw [][]byte
	if err := m.KVGetList(storageBucketAgreementsKey(bucket), &raw); err != nil {
		return nil, err
	}
	out := make([]common.Address, len(raw))
	for i, b := range raw {
		out[i] = common.BytesToAddress(b)
	}
	return out, nil
}

// StorageProviderBuckets lists the buckets in which provider holds an
// agreement, ascending.
func (m *Manager) StorageProviderBuckets(provider common.Address) ([]uint64, error) {
	var raw [][]byte
	if err := m.KVGetList(storageProviderBucketsKey(provider), &raw); err != nil {
		return nil, err
	}
	out := make([]uint64, len(raw))
	for i, b := range raw {
		out[i] = binary.BigEndian.Uint64(b)
	}
	return out, nil
}

func (m *Manager) StorageRequest(bucket uint64, provider common.Address) (*storage.Request, bool, error) {
	r := new(storage.Request)
	ok, err := m.KVGet(storageRequestKey(bucket, provider), r)
	if err != nil || !ok {
		return nil, false, err
	}
	return r, true, nil
}

func (m *Manager) PutStorageRequest(r *storage.Request) error {
	if err := m.KVPut(storageRequestKey(r.Bucket, r.Provider), r); err != nil {
		return err
	}
	return m.KVAppend(storageRequestIndexKey, requestKeyBytes(r.Bucket, r.Provider))
}

func (m *Manager) DeleteStorageRequest(bucket uint64, provider common.Address) error {
	if err := m.KVDelete(storageRequestKey(bucket, provider)); err != nil {
		return err
	}
	return m.KVRemove(storageRequestIndexKey, requestKeyBytes(bucket, provider))
}

// StoragePendingRequests lists open requests ordered by bucket then provider.
func (m *Manager) StoragePendingRequests() ([]storage.RequestKey, error) {
	var raw [][]byte
	if err := m.KVGetList(storageRequestIndexKey, &raw); err != nil {
		return nil, err
	}
	out := make([]storage.RequestKey, len(raw))
	for i, b := range raw {
		out[i] = storage.RequestKey{
			Bucket:   binary.BigEndian.Uint64(b[:8]),
			Provider: common.BytesToAddress(b[8:]),
		}
	}
	return out, nil
}

func (m *Manager) StorageChallenge(id uint64) (*storage.Challenge, bool, error) {
	c := new(storage.Challenge)
	ok, err := m.KVGet(storageChallengeKey(id), c)
	if err != nil || !ok {
		return nil, false, err
	}
	return c, true, nil
}

func (m *Manager) PutStorageChallenge(c *storage.Challenge) error {
	if err := m.KVPut(storageChallengeKey(c.ID), c); err != nil {
		return err
	}
	return m.KVAppend(storageChallengeIndexKey, be64(c.ID))
}

func (m *Manager) DeleteStorageChallenge(id uint64) error {
	if err := m.KVDelete(storageChallengeKey(id)); err != nil {
		return err
	}
	return m.KVRemove(storageChallengeIndexKey, be64(id))
}

// StorageOpenChallenges lists unresolved challenge ids, ascending.
func (m *Manager) StorageOpenChallenges() ([]uint64, error) {
	var raw [][]byte
	if err := m.KVGetList(storageChallengeIndexKey, &raw); err != nil {
		return nil, err
	}
	out := make([]uint64, len(raw))
	for i, b := range raw {
		out[i] = binary.BigEndian.Uint64(b)
	}
	return out, nil
}
