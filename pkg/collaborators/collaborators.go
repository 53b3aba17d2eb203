// Package collaborators declares the external collaborators the DCA accounting core depends
// on (spec.md §6) but does not implement: token custody, trade execution, and configuration.
// The core only ever consumes their interfaces — it never discovers prices, routes trades, or
// manages access control itself.
package collaborators

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ChoSanghyuk/dcaengine/internal/interval"
)

// Custody pulls funds from a user into engine custody and pays funds back out. Native-asset
// wrapping and signed-approval flows are the implementation's concern, not the core's.
//
// permitBlob carries a signed-approval payload (e.g. EIP-2612 permit / Permit2 signature data) so
// Pull can authorize its own transferFrom without a separate prior on-chain approval
// transaction (spec.md §4.2's create() input permit_blob); it is opaque to the core and may be
// nil when the caller has a standing approval instead.
type Custody interface {
	Pull(ctx context.Context, token common.Address, from common.Address, amount *big.Int, permitBlob []byte) error
	Pay(ctx context.Context, token common.Address, to common.Address, amount *big.Int) error
}

// TradeExecutor performs the actual trade against an external market. The core passes it
// totalInput, proxy and execData and takes the returned delivered amount as the trade's output;
// it grants no approval and reads no balances itself, and it never inspects the trade's
// internal routing.
//
// spec.md §9 Open Question 3: any approval to proxy is granted by the implementation of this
// interface, and the core does not revoke it after Execute returns. Any unconsumed allowance is
// a residual risk that implementation must manage (e.g. by approving exactly totalInput and
// nothing more).
type TradeExecutor interface {
	Execute(ctx context.Context, from, to common.Address, proxy common.Address, totalInput *big.Int, execData []byte) (delivered *big.Int, err error)
}

// ConfigReader is the read-only view of engine configuration (spec.md §6's "Config" namespace):
// allowed tokens/intervals, fee schedule, platform fee ratio, token magnitudes, and the
// operational limits that bound position creation and the window classifier. Mutating this
// configuration (add/remove token, set fee, pause/unpause, ...) is an admin/governance
// responsibility outside the core's scope; only the read path is modeled here.
type ConfigReader interface {
	IsTokenAllowed(token common.Address) bool
	IsIntervalAllowed(seconds uint64) bool
	Magnitude(token common.Address) *big.Int
	SwapFeeBps(mask interval.Mask) uint64
	PlatformFeeRatioBps() uint64
	FeeVault() common.Address
	MaxNoOfSwap() uint64
	ThresholdGuardSeconds() uint64
	Paused() bool
}
