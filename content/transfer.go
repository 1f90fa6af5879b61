package content

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"bucketchain/storage/chunk"
)

// Put splits data into chunks and uploads its tree to store, chunks first and
// then interior nodes bottom-up. Entries the store already holds are skipped.
func Put(ctx context.Context, store Store, data []byte, chunkSize int) (*chunk.Tree, error) {
	tree, err := chunk.Build(data, chunkSize)
	if err != nil {
		return nil, err
	}
	present, err := store.Exists(ctx, []common.Hash{tree.Root()})
	if err != nil {
		return nil, err
	}
	if present[0] {
		return tree, nil
	}
	chunks, err := chunk.Split(data, chunkSize)
	if err != nil {
		return nil, err
	}
	hashes := make([]common.Hash, len(chunks))
	for i := range chunks {
		hashes[i] = tree.Chunk(uint64(i))
	}
	have, err := store.Exists(ctx, hashes)
	if err != nil {
		return nil, err
	}
	for i, c := range chunks {
		if have[i] {
			continue
		}
		if err := store.Upload(ctx, hashes[i], c, nil); err != nil {
			return nil, fmt.Errorf("upload chunk %d: %w", i, err)
		}
	}
	for _, node := range tree.InteriorNodes() {
		children := node.Children
		if err := store.Upload(ctx, node.Hash, nil, &children); err != nil {
			return nil, fmt.Errorf("upload node %s: %w", node.Hash.Hex(), err)
		}
	}
	return tree, nil
}

// treeWidths returns the node count of every level of a tree over count
// chunks, leaves first.
func treeWidths(count uint64) []uint64 {
	widths := []uint64{count}
	for w := count; w > 1; {
		w = (w + 1) / 2
		widths = append(widths, w)
	}
	return widths
}

// Read fetches chunk index of the content committed to by root, together
// with its proof. size is the content length in bytes.
func Read(ctx context.Context, store Store, root common.Hash, size uint64, chunkSize uint64, index uint64) ([]byte, *chunk.Proof, error) {
	count := chunk.Count(size, chunkSize)
	if index >= count {
		return nil, nil, chunk.ErrIndexOutRange
	}
	widths := treeWidths(count)
	cur := root
	var topDown []common.Hash
	for l := len(widths) - 1; l >= 1; l-- {
		left := (index >> uint(l)) << 1
		if left+1 >= widths[l-1] {
			// Promoted node: the child carries the same hash.
			continue
		}
		node, err := store.Fetch(ctx, cur)
		if err != nil {
			return nil, nil, err
		}
		if !node.Interior() {
			return nil, nil, fmt.Errorf("%w: expected interior node %s", ErrCorruptNode, cur.Hex())
		}
		if (index>>uint(l-1))&1 == 0 {
			topDown = append(topDown, node.Children[1])
			cur = node.Children[0]
		} else {
			topDown = append(topDown, node.Children[0])
			cur = node.Children[1]
		}
	}
	leaf, err := store.Fetch(ctx, cur)
	if err != nil {
		return nil, nil, err
	}
	if leaf.Interior() || chunk.Hash(leaf.Data) != cur {
		return nil, nil, fmt.Errorf("%w: chunk %d", ErrCorruptNode, index)
	}
	proof := &chunk.Proof{Index: index}
	for i := len(topDown) - 1; i >= 0; i-- {
		proof.Siblings = append(proof.Siblings, topDown[i])
	}
	return leaf.Data, proof, nil
}

// ReadAll reassembles the full content committed to by root and checks every
// chunk against it.
func ReadAll(ctx context.Context, store Store, root common.Hash, size uint64, chunkSize uint64) ([]byte, error) {
	count := chunk.Count(size, chunkSize)
	var buf bytes.Buffer
	buf.Grow(int(size))
	for i := uint64(0); i < count; i++ {
		data, proof, err := Read(ctx, store, root, size, chunkSize, i)
		if err != nil {
			return nil, err
		}
		if !chunk.Verify(root, count, i, data, proof) {
			return nil, fmt.Errorf("%w: chunk %d fails proof", ErrCorruptNode, i)
		}
		buf.Write(data)
	}
	if uint64(buf.Len()) != size {
		return nil, fmt.Errorf("%w: read %d bytes, want %d", ErrCorruptNode, buf.Len(), size)
	}
	return buf.Bytes(), nil
}

// Mirror copies the tree under root from src into dst, children before
// parents. Subtrees dst already holds are skipped. dst verifies every node,
// so a dishonest src cannot plant content under root.
func Mirror(ctx context.Context, dst, src Store, root common.Hash) error {
	have, err := dst.Exists(ctx, []common.Hash{root})
	if err != nil {
		return err
	}
	if have[0] {
		return nil
	}
	node, err := src.Fetch(ctx, root)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", root.Hex(), err)
	}
	if node.Interior() {
		for _, child := range node.Children {
			if err := Mirror(ctx, dst, src, child); err != nil {
				return err
			}
		}
	}
	return dst.Upload(ctx, root, node.Data, node.Children)
}
