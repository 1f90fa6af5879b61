package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	checkpointDomain = []byte("bucketchain/checkpoint")
	deletionDomain   = []byte("bucketchain/deletion")
	syncDomain       = []byte("bucketchain/sync")
)

func be64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// CheckpointDigest is what a primary signs to attest that it holds the range
// [startSeq, startSeq+leafCount) committed to by root. The same signature
// doubles as an off-chain commitment that can be challenged.
func CheckpointDigest(bucket uint64, root common.Hash, startSeq, leafCount uint64) common.Hash {
	return ethcrypto.Keccak256Hash(checkpointDomain, be64(bucket), root[:], be64(startSeq), be64(leafCount))
}

// DeletionDigest is what a bucket admin signs to authorise restarting the
// bucket from a fresh range beginning at newStartSeq.
func DeletionDigest(bucket uint64, newRoot common.Hash, newStartSeq uint64) common.Hash {
	return ethcrypto.Keccak256Hash(deletionDomain, be64(bucket), newRoot[:], be64(newStartSeq))
}

// SyncDigest is what a replica signs when claiming it holds root.
func SyncDigest(bucket uint64, provider common.Address, root common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash(syncDomain, be64(bucket), provider[:], root[:])
}
