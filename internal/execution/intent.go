package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// intentBucket is the coarse time granularity of the dedup hash: two
// submissions of the same symbol/side/notional inside one bucket are the same
// intent.
const intentBucket = 5 * time.Minute

// notionalRound coarsens the notional before hashing so sizing jitter from a
// refreshed mark price does not defeat deduplication.
const notionalRound = 10.0

// IntentFor builds the deduplication record for one planned open.
func IntentFor(open domain.PlannedOpen, now time.Time) domain.OrderIntent {
	bucket := now.UTC().Truncate(intentBucket)
	notional := math.Round(open.Notional/notionalRound) * notionalRound

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.0f|%d|%s",
		open.Symbol, open.Side, notional, bucket.Unix(), open.SignalType)))

	return domain.OrderIntent{
		Hash:       hex.EncodeToString(sum[:]),
		Symbol:     open.Symbol,
		Side:       sideFor(open.Side),
		Notional:   notional,
		SignalType: open.SignalType,
		Bucket:     bucket,
		CreatedAt:  now.UTC(),
	}
}

// sideFor maps a position side to the order side that opens it.
func sideFor(side domain.PositionSide) domain.OrderSide {
	if side == domain.PositionSideShort {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}
