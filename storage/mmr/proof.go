package mmr

import (
	"github.com/ethereum/go-ethereum/common"
)

// LeafProof locates a leaf under a root of a range holding LeafCount leaves.
// Siblings run from the leaf up to its mountain peak; Peaks lists every peak
// of the range left to right.
type LeafProof struct {
	LeafIndex uint64
	LeafCount uint64
	Siblings  []common.Hash
	Peaks     []common.Hash
}

// ExtensionProof shows that the range holding OldLeafCount leaves is a prefix
// of the range holding NewLeafCount leaves.
type ExtensionProof struct {
	OldLeafCount uint64
	NewLeafCount uint64
	OldPeaks     []common.Hash
	Siblings     []common.Hash
}

// ProveLeaf builds an inclusion proof for leaf i against the current root.
func (m *MMR) ProveLeaf(i uint64) (*LeafProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.proveLeafAt(i, m.count)
}

// ProveLeafAt builds an inclusion proof for leaf i against the historical root
// of a range holding count leaves.
func (m *MMR) ProveLeafAt(i, count uint64) (*LeafProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if count > m.count {
		return nil, ErrCountAhead
	}
	return m.proveLeafAt(i, count)
}

func (m *MMR) proveLeafAt(i, count uint64) (*LeafProof, error) {
	if i >= count {
		return nil, ErrLeafOutOfRange
	}
	positions := peaksFor(count)
	target := locate(positions, i)
	if target < 0 {
		return nil, ErrLeafOutOfRange
	}
	peaks, err := m.peakHashes(count)
	if err != nil {
		return nil, err
	}
	siblings := make([]common.Hash, 0, positions[target].height)
	idx := i
	for h := uint8(0); h < positions[target].height; h++ {
		sib, err := m.node(h, idx^1)
		if err != nil {
			return nil, err
		}
		siblings = append(siblings, sib)
		idx >>= 1
	}
	return &LeafProof{
		LeafIndex: i,
		LeafCount: count,
		Siblings:  siblings,
		Peaks:     peaks,
	}, nil
}

func locate(positions []position, leaf uint64) int {
	for k, p := range positions {
		lo, hi := p.span()
		if leaf >= lo && leaf < hi {
			return k
		}
	}
	return -1
}

// VerifyLeaf reports whether leaf sits at position i under root. Any malformed
// or mismatching proof yields false.
func VerifyLeaf(root common.Hash, i uint64, leaf Leaf, proof *LeafProof) bool {
	if proof == nil || proof.LeafIndex != i || i >= proof.LeafCount {
		return false
	}
	positions := peaksFor(proof.LeafCount)
	if len(proof.Peaks) != len(positions) {
		return false
	}
	target := locate(positions, i)
	if target < 0 || len(proof.Siblings) != int(positions[target].height) {
		return false
	}
	cur := leaf.Hash()
	idx := i
	for _, sib := range proof.Siblings {
		if idx&1 == 0 {
			cur = hashNode(cur, sib)
		} else {
			cur = hashNode(sib, cur)
		}
		idx >>= 1
	}
	if cur != proof.Peaks[target] {
		return false
	}
	return Bag(proof.Peaks) == root
}

// ProveExtension proves that the historical range of oldCount leaves is a
// prefix of the range of newCount leaves.
func (m *MMR) ProveExtension(oldCount, newCount uint64) (*ExtensionProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if oldCount > newCount || newCount > m.count {
		return nil, ErrCountAhead
	}
	oldPeaks, err := m.peakHashes(oldCount)
	if err != nil {
		return nil, err
	}
	proof := &ExtensionProof{
		OldLeafCount: oldCount,
		NewLeafCount: newCount,
		OldPeaks:     oldPeaks,
	}
	for _, p := range peaksFor(newCount) {
		if err := m.collectExtension(oldCount, p, &proof.Siblings); err != nil {
			return nil, err
		}
	}
	return proof, nil
}

// collectExtension walks the new mountain left to right and records every
// node lying wholly beyond the old range. Nodes wholly inside the old range
// are old peaks and are carried separately.
func (m *MMR) collectExtension(oldCount uint64, p position, out *[]common.Hash) error {
	lo, hi := p.span()
	switch {
	case hi <= oldCount:
		return nil
	case lo >= oldCount:
		h, err := m.node(p.height, p.index)
		if err != nil {
			return err
		}
		*out = append(*out, h)
		return nil
	}
	if err := m.collectExtension(oldCount, position{height: p.height - 1, index: p.index * 2}, out); err != nil {
		return err
	}
	return m.collectExtension(oldCount, position{height: p.height - 1, index: p.index*2 + 1}, out)
}

type extensionVerifier struct {
	oldCount uint64
	oldPeaks map[position]common.Hash
	usedOld  int
	siblings []common.Hash
	cursor   int
}

func (v *extensionVerifier) resolve(p position) (common.Hash, bool) {
	lo, hi := p.span()
	switch {
	case hi <= v.oldCount:
		h, ok := v.oldPeaks[p]
		if !ok {
			return common.Hash{}, false
		}
		v.usedOld++
		return h, true
	case lo >= v.oldCount:
		if v.cursor >= len(v.siblings) {
			return common.Hash{}, false
		}
		h := v.siblings[v.cursor]
		v.cursor++
		return h, true
	}
	if p.height == 0 {
		return common.Hash{}, false
	}
	left, ok := v.resolve(position{height: p.height - 1, index: p.index * 2})
	if !ok {
		return common.Hash{}, false
	}
	right, ok := v.resolve(position{height: p.height - 1, index: p.index*2 + 1})
	if !ok {
		return common.Hash{}, false
	}
	return hashNode(left, right), true
}

// VerifyExtension reports whether newRoot commits to a strict append of the
// range committed by oldRoot.
func VerifyExtension(oldRoot, newRoot common.Hash, proof *ExtensionProof) bool {
	if proof == nil || proof.OldLeafCount > proof.NewLeafCount {
		return false
	}
	oldPositions := peaksFor(proof.OldLeafCount)
	if len(proof.OldPeaks) != len(oldPositions) {
		return false
	}
	if Bag(proof.OldPeaks) != oldRoot {
		return false
	}
	v := &extensionVerifier{
		oldCount: proof.OldLeafCount,
		oldPeaks: make(map[position]common.Hash, len(oldPositions)),
		siblings: proof.Siblings,
	}
	for k, p := range oldPositions {
		v.oldPeaks[p] = proof.OldPeaks[k]
	}
	newPositions := peaksFor(proof.NewLeafCount)
	newPeaks := make([]common.Hash, 0, len(newPositions))
	for _, p := range newPositions {
		h, ok := v.resolve(p)
		if !ok {
			return false
		}
		newPeaks = append(newPeaks, h)
	}
	if v.cursor != len(v.siblings) || v.usedOld != len(oldPositions) {
		return false
	}
	return Bag(newPeaks) == newRoot
}
