// Package p2p implements the devp2p wire protocol for peer-to-peer networking.
// Message-level types specific to an individual subprotocol (eth, snap, ...)
// live in that subprotocol's own package; this package only concerns itself
// with the generic RLPx/devp2p plumbing all subprotocols share.
package p2p

import "github.com/eth2030/eth2030/core/types"

// HashOrNumber is a combined field for requesting a block header either by
// hash or by number. Exactly one must be set. It is generic devp2p plumbing
// reused by any subprotocol that needs origin-relative range queries.
type HashOrNumber struct {
	Hash   types.Hash // If non-zero, look up by hash.
	Number uint64     // If Hash is zero, look up by number.
}

// IsHash returns true if the request specifies a hash rather than a number.
func (hon *HashOrNumber) IsHash() bool {
	return !hon.Hash.IsZero()
}
