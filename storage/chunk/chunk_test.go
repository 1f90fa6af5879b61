package chunk

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + 7)
	}
	return out
}

func TestCount(t *testing.T) {
	require.Equal(t, uint64(0), Count(0, 16))
	require.Equal(t, uint64(1), Count(1, 16))
	require.Equal(t, uint64(1), Count(16, 16))
	require.Equal(t, uint64(2), Count(17, 16))
	require.Equal(t, uint64(0), Count(17, 0))
}

func TestSplitKeepsShortTail(t *testing.T) {
	chunks, err := Split(payload(37), 16)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[2], 5)
	require.True(t, bytes.Equal(payload(37), bytes.Join(chunks, nil)))

	_, err = Split(nil, 16)
	require.ErrorIs(t, err, ErrEmptyData)
	_, err = Split(payload(4), 0)
	require.ErrorIs(t, err, ErrBadChunkSize)
}

func TestSingleChunkRootIsChunkHash(t *testing.T) {
	data := payload(10)
	tree, err := Build(data, 16)
	require.NoError(t, err)
	require.Equal(t, Hash(data), tree.Root())
	require.Equal(t, uint64(1), tree.ChunkCount())
	require.Equal(t, uint64(10), tree.Size())
}

func TestProofsVerifyForEveryChunk(t *testing.T) {
	for _, size := range []int{1, 16, 17, 48, 70, 129, 300} {
		data := payload(size)
		tree, err := Build(data, 16)
		require.NoError(t, err)
		chunks, err := Split(data, 16)
		require.NoError(t, err)
		require.Equal(t, Count(uint64(size), 16), tree.ChunkCount())
		for i, c := range chunks {
			proof, err := tree.Prove(uint64(i))
			require.NoError(t, err)
			require.True(t, Verify(tree.Root(), tree.ChunkCount(), uint64(i), c, proof), "size=%d chunk=%d", size, i)
		}
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	data := payload(100)
	tree, err := Build(data, 16)
	require.NoError(t, err)
	chunks, _ := Split(data, 16)
	proof, err := tree.Prove(3)
	require.NoError(t, err)

	bad := append([]byte(nil), chunks[3]...)
	bad[0] ^= 0xff
	require.False(t, Verify(tree.Root(), tree.ChunkCount(), 3, bad, proof))
	require.False(t, Verify(tree.Root(), tree.ChunkCount(), 2, chunks[3], proof))
	// Seven chunks and eight share a depth; nine need a fourth sibling.
	require.True(t, Verify(tree.Root(), tree.ChunkCount()+1, 3, chunks[3], proof))
	require.False(t, Verify(tree.Root(), tree.ChunkCount()+2, 3, chunks[3], proof))
	require.False(t, Verify(common.Hash{1}, tree.ChunkCount(), 3, chunks[3], proof))
	require.False(t, Verify(tree.Root(), tree.ChunkCount(), 3, chunks[3], nil))

	trimmed := &Proof{Index: 3, Siblings: proof.Siblings[1:]}
	require.False(t, Verify(tree.Root(), tree.ChunkCount(), 3, chunks[3], trimmed))

	_, err = tree.Prove(tree.ChunkCount())
	require.ErrorIs(t, err, ErrIndexOutRange)
}

func TestChildrenCoverInteriorNodes(t *testing.T) {
	tree, err := Build(payload(80), 16)
	require.NoError(t, err)
	children := tree.Children()
	pair, ok := children[tree.Root()]
	require.True(t, ok)
	require.Equal(t, tree.Root(), NodeHash(pair[0], pair[1]))
}
