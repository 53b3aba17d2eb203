package dcaengine

import "errors"

// Error kinds from spec.md §7. Every state-changing entry point fails terminally with one of
// these, or with the error a collaborator (custody, trade executor) returned — no partial
// commits, no internal retries.
var (
	ErrZeroAddress        = errors.New("dcaengine: zero address")
	ErrInvalidAmount      = errors.New("dcaengine: invalid amount")
	ErrInvalidNoOfSwaps   = errors.New("dcaengine: invalid number of swaps")
	ErrInvalidToken       = errors.New("dcaengine: from and to must differ")
	ErrUnauthorizedTokens = errors.New("dcaengine: token not allowed")
	ErrInvalidInterval    = errors.New("dcaengine: interval not allowed")
	ErrInvalidRate        = errors.New("dcaengine: rate truncates to zero")
	ErrNoChanges          = errors.New("dcaengine: modification requests no change")
	ErrInvalidPosition    = errors.New("dcaengine: unknown position")
	ErrUnauthorizedCaller = errors.New("dcaengine: caller is not the position owner")
	ErrNoAvailableSwap    = errors.New("dcaengine: no swap available for this pair")
	ErrInvalidSwapAmount  = errors.New("dcaengine: declared amount does not match aggregate input")
	ErrInvalidReturnAmount = errors.New("dcaengine: delivered amount below minimum")
	ErrSwapCallFailed     = errors.New("dcaengine: trade executor call failed")
	ErrInvalidBlankSwap   = errors.New("dcaengine: blank swap preconditions not met")
	ErrZeroSwappedTokens  = errors.New("dcaengine: nothing to withdraw")
	ErrPaused             = errors.New("dcaengine: engine is paused")
)
