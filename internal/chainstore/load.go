// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/sync/errgroup"
)

// storedHeader is a block header decoded from the database.
type storedHeader struct {
	hash   chainhash.Hash
	header wire.BlockHeader
}

// scanHeaders decodes the headers of all stored blocks.  Decoding is spread
// over at most MaxBlockScannerThreads goroutines.
func (s *Store) scanHeaders(ctx context.Context) ([]storedHeader, error) {
	var raw [][]byte
	iter := s.db.NewIterator(util.BytesPrefix(prefixBlocks), nil)
	for iter.Next() {
		// Only the header is needed and the iterator reuses its buffers.
		value := iter.Value()
		if len(value) > wire.MaxBlockHeaderPayload {
			value = value[:wire.MaxBlockHeaderPayload]
		}
		raw = append(raw, append([]byte(nil), value...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, dbError("failed to iterate stored blocks", err)
	}

	headers := make([]storedHeader, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxBlockScannerThreads)
	for i := range raw {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hdr := &headers[i].header
			if err := hdr.Deserialize(bytes.NewReader(raw[i])); err != nil {
				return dbError("failed to decode stored block header", err)
			}
			headers[i].hash = hdr.BlockHash()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return headers, nil
}

// loadInvalid returns the set of blocks that are recorded as invalid.
func (s *Store) loadInvalid() (map[chainhash.Hash]struct{}, error) {
	invalid := make(map[chainhash.Hash]struct{})
	iter := s.db.NewIterator(util.BytesPrefix(prefixInvalid), nil)
	for iter.Next() {
		var hash chainhash.Hash
		copy(hash[:], iter.Key()[len(prefixInvalid):])
		invalid[hash] = struct{}{}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, dbError("failed to iterate invalid blocks", err)
	}
	return invalid, nil
}

// loadIndex populates the block index and the main chain from the database.
// The cumulative work of every block is recomputed from the stored headers.
func (s *Store) loadIndex(ctx context.Context) error {
	headers, err := s.scanHeaders(ctx)
	if err != nil {
		return err
	}
	invalid, err := s.loadInvalid()
	if err != nil {
		return err
	}

	// Parents always have a lower height than their children, so ordering
	// by height ensures every parent is indexed first.
	sort.Slice(headers, func(i, j int) bool {
		return headers[i].header.Height < headers[j].header.Height
	})

	genesisHash := s.cfg.Params.GenesisHash
	for i := range headers {
		stored := &headers[i]
		node := &blockNode{
			hash:   stored.hash,
			parent: stored.header.PrevBlock,
			height: int64(stored.header.Height),
			header: stored.header,
		}
		node.workSum.SetBig(standalone.CalcWork(stored.header.Bits))

		if stored.hash != genesisHash {
			parent, ok := s.index[node.parent]
			if !ok {
				log.Warnf("Ignoring stored block %v with unknown parent %v",
					node.hash, node.parent)
				continue
			}
			node.workSum.Add(&parent.workSum)
			if parent.status.knownInvalid() {
				node.status |= statusInvalidAncestor
			}
			s.children[node.parent] = append(s.children[node.parent],
				node.hash)
		}
		if _, ok := invalid[node.hash]; ok {
			node.status |= statusValidateFailed
		}
		s.index[node.hash] = node
	}
	if _, ok := s.index[genesisHash]; !ok {
		return dbError("failed to load block index",
			fmt.Errorf("genesis block %v is missing", genesisHash))
	}

	// Load the main chain by walking back from the best chain tip.
	serialized, err := s.db.Get(bestChainKey, nil)
	if err != nil {
		return dbError("failed to fetch best chain tip", err)
	}
	var tipHash chainhash.Hash
	copy(tipHash[:], serialized)
	tip, ok := s.index[tipHash]
	if !ok {
		return dbError("failed to load block index",
			fmt.Errorf("best chain tip %v is missing", tipHash))
	}
	s.mainChain = make([]chainhash.Hash, tip.height+1)
	for node := tip; node != nil; node = s.index[node.parent] {
		node.status |= statusValidated
		s.mainChain[node.height] = node.hash
		if node.hash == genesisHash {
			break
		}
	}

	log.Debugf("Loaded %d block index entries", len(s.index))
	return nil
}
