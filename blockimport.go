// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrsyncd/internal/admission"
	"github.com/decred/dcrsyncd/internal/chainstore"
)

// blockProcessor describes the admission of serialized blocks.
type blockProcessor interface {
	OnBlockReceived(peerID int32, data []byte) error
	RevalidateBlocks(force bool) error
}

// blockReader reads serialized blocks from a file of the form written by
// dcrd's block dumping facility.
type blockReader struct {
	r   io.Reader
	net wire.CurrencyNet
}

// readBlock reads the next serialized block.  It returns nil without an error
// once there are no more blocks to read.
//
// The block file format is:
//
//	<network> <block length> <serialized block>
func (br *blockReader) readBlock() ([]byte, error) {
	var net uint32
	err := binary.Read(br.r, binary.LittleEndian, &net)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, err
		}

		// No block and no error means there are no more blocks to read.
		return nil, nil
	}
	if net != uint32(br.net) {
		return nil, fmt.Errorf("network mismatch -- got %x, want %x", net,
			uint32(br.net))
	}

	// Read the block length and ensure it is sane.
	var blockLen uint32
	if err := binary.Read(br.r, binary.LittleEndian, &blockLen); err != nil {
		return nil, err
	}
	if blockLen > wire.MaxBlockPayload {
		return nil, fmt.Errorf("block payload of %d bytes is larger than "+
			"the max allowed %d bytes", blockLen, wire.MaxBlockPayload)
	}

	serializedBlock := make([]byte, blockLen)
	if _, err := io.ReadFull(br.r, serializedBlock); err != nil {
		return nil, err
	}
	return serializedBlock, nil
}

// importStats houses the results of an import.
type importStats struct {
	read     uint64
	rejected uint64
}

// importBlocks submits every block read from the provided reader to the block
// processor as a local block.  The blocks may be in any order.  Invalid blocks
// are logged and counted while failures to read the blocks and fatal chain
// failures end the import.
func importBlocks(ctx context.Context, br *blockReader, bp blockProcessor) (importStats, error) {
	var stats importStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, err := br.readBlock()
		if err != nil {
			return stats, fmt.Errorf("unable to read block %d: %w",
				stats.read+1, err)
		}
		if data == nil {
			break
		}
		stats.read++

		err = bp.OnBlockReceived(admission.LocalPeerID, data)
		switch {
		case errors.Is(err, admission.ErrShuttingDown):
			return stats, context.Canceled

		case chainstore.IsFatal(err):
			return stats, err

		case err != nil:
			stats.rejected++
			dsynLog.Warnf("Rejected imported block %d: %v", stats.read, err)
		}
	}

	// Give the blocks that are still waiting for their ancestors a final
	// chance to connect.
	if err := bp.RevalidateBlocks(true); err != nil {
		if errors.Is(err, admission.ErrShuttingDown) {
			return stats, context.Canceled
		}
		return stats, err
	}
	return stats, nil
}

// importBlockFile imports the blocks of the named file.
func importBlockFile(ctx context.Context, path string, params *chaincfg.Params, bp blockProcessor) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dsynLog.Infof("Importing blocks from %q", path)
	br := &blockReader{r: bufio.NewReader(f), net: params.Net}
	stats, err := importBlocks(ctx, br, bp)
	if err != nil {
		return err
	}
	dsynLog.Infof("Imported %d %s from %q (%d rejected)", stats.read,
		pickNoun(stats.read, "block", "blocks"), path, stats.rejected)
	return nil
}
