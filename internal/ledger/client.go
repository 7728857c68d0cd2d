// Package ledger talks to the external append-only consensus ledger. The
// ledger itself is a black box; this package only knows how to hand it a
// serialized envelope and classify its failures.
package ledger

import (
	"context"
	"time"
)

// Receipt is what the ledger returns for an accepted message.
type Receipt struct {
	TransactionRef     string    `json:"transactionRef"`
	ConsensusTimestamp time.Time `json:"consensusTimestamp"`
}

// Client submits one serialized envelope. Implementations must map their
// error taxonomy onto the pkg/errors codes so the retry layer can classify:
// transient failures as CodeDependency, rejections as CodeLedgerPermanent.
type Client interface {
	Submit(ctx context.Context, message []byte) (*Receipt, error)
}
