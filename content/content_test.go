package content

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"bucketchain/storage/chunk"
)

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*13 + 5)
	}
	return out
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "content.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestPutThenReadEveryChunk(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, size := range []int{1, 16, 33, 100, 257} {
				data := payload(size)
				tree, err := Put(ctx, store, data, 16)
				require.NoError(t, err)
				count := tree.ChunkCount()
				for i := uint64(0); i < count; i++ {
					got, proof, err := Read(ctx, store, tree.Root(), uint64(size), 16, i)
					require.NoError(t, err)
					want, err := tree.Prove(i)
					require.NoError(t, err)
					require.Equal(t, want, proof, "size=%d chunk=%d", size, i)
					require.True(t, chunk.Verify(tree.Root(), count, i, got, proof))
				}
				all, err := ReadAll(ctx, store, tree.Root(), uint64(size), 16)
				require.NoError(t, err)
				require.True(t, bytes.Equal(data, all))
			}
		})
	}
}

func TestUploadRejectsMismatchesAndOrphans(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("chunk")
			require.ErrorIs(t, store.Upload(ctx, common.Hash{1}, data, nil), ErrHashMismatch)
			require.ErrorIs(t, store.Upload(ctx, chunk.Hash(nil), nil, nil), ErrHashMismatch)

			left, right := chunk.Hash([]byte("a")), chunk.Hash([]byte("b"))
			parent := chunk.NodeHash(left, right)
			require.ErrorIs(t, store.Upload(ctx, parent, nil, &[2]common.Hash{left, right}), ErrMissingChildren)
			require.ErrorIs(t, store.Upload(ctx, parent, nil, &[2]common.Hash{right, left}), ErrHashMismatch)

			require.NoError(t, store.Upload(ctx, left, []byte("a"), nil))
			require.NoError(t, store.Upload(ctx, right, []byte("b"), nil))
			require.NoError(t, store.Upload(ctx, parent, nil, &[2]common.Hash{left, right}))
			require.NoError(t, store.Upload(ctx, parent, nil, &[2]common.Hash{left, right}))

			present, err := store.Exists(ctx, []common.Hash{left, parent, {9}})
			require.NoError(t, err)
			require.Equal(t, []bool{true, true, false}, present)

			node, err := store.Fetch(ctx, parent)
			require.NoError(t, err)
			require.True(t, node.Interior())
			require.Equal(t, [2]common.Hash{left, right}, *node.Children)

			_, err = store.Fetch(ctx, common.Hash{9})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestReadRejectsMissingOrOutOfRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tree, err := Put(ctx, store, payload(40), 16)
	require.NoError(t, err)

	_, _, err = Read(ctx, store, tree.Root(), 40, 16, 3)
	require.ErrorIs(t, err, chunk.ErrIndexOutRange)

	_, _, err = Read(ctx, NewMemoryStore(), tree.Root(), 40, 16, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "content.db")
	store, err := OpenBoltStore(path, nil)
	require.NoError(t, err)
	tree, err := Put(ctx, store, payload(50), 16)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenBoltStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	all, err := ReadAll(ctx, reopened, tree.Root(), 50, 16)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload(50), all))
}

func TestMirrorCopiesTreeAndRejectsForgery(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore()
	data := payload(100)
	tree, err := Put(ctx, src, data, 16)
	require.NoError(t, err)

	dst := NewMemoryStore()
	require.NoError(t, Mirror(ctx, dst, src, tree.Root()))
	got, err := ReadAll(ctx, dst, tree.Root(), tree.Size(), 16)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// A source serving the wrong bytes for a chunk cannot get them stored.
	forged := &forgingStore{MemoryStore: src, target: tree.Chunk(0)}
	require.ErrorIs(t, Mirror(ctx, NewMemoryStore(), forged, tree.Root()), ErrHashMismatch)
}

type forgingStore struct {
	*MemoryStore
	target common.Hash
}

func (s *forgingStore) Fetch(ctx context.Context, hash common.Hash) (Node, error) {
	node, err := s.MemoryStore.Fetch(ctx, hash)
	if err == nil && hash == s.target {
		node.Data = bytes.Repeat([]byte{0xff}, len(node.Data))
	}
	return node, err
}
