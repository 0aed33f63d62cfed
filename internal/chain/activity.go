package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// maxScanConcurrency bounds parallel block fetches during an activity scan.
const maxScanConcurrency = 4

// Activity summarizes an address's transactions in a window of recent blocks.
type Activity struct {
	Count    int       // transactions sent by the address
	LastSeen time.Time // block time of the latest one; zero if none
	From     uint64    // first block scanned
	To       uint64    // last block scanned (latest)
}

// BlockActivity scans the latest n blocks and counts transactions whose
// sender is addr. Blocks are fetched concurrently; any fetch failure fails
// the whole scan with ErrProviderUnavailable.
func (c *Client) BlockActivity(ctx context.Context, addr string, n int) (Activity, error) {
	account, err := parseAddress(addr)
	if err != nil {
		return Activity{}, err
	}
	latest, err := c.BlockNumber(ctx)
	if err != nil {
		return Activity{}, err
	}
	if n <= 0 {
		return Activity{From: latest, To: latest}, nil
	}

	first := uint64(0)
	if latest+1 > uint64(n) {
		first = latest + 1 - uint64(n)
	}

	blocks := make([]*types.Block, latest-first+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxScanConcurrency)
	for i := range blocks {
		num := first + uint64(i)
		g.Go(func() error {
			return c.read(gctx, "block", func(ctx context.Context) error {
				b, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(num))
				if err != nil {
					return err
				}
				blocks[i] = b
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return Activity{}, err
	}

	act := Activity{From: first, To: latest}
	for _, b := range blocks {
		if b == nil {
			continue
		}
		for _, tx := range b.Transactions() {
			sender, err := types.Sender(c.signer, tx)
			if err != nil || sender != account {
				continue
			}
			act.Count++
			if ts := time.Unix(int64(b.Time()), 0).UTC(); ts.After(act.LastSeen) { //nolint:gosec // block times fit int64
				act.LastSeen = ts
			}
		}
	}
	return act, nil
}
