package model

import "errors"

// Error kinds surfaced by every settlement operation. Callers wrap them with
// detail via fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrUnsupportedAsset        = errors.New("unsupported asset")
	ErrInvalidDirection        = errors.New("invalid direction")
	ErrZeroAmount              = errors.New("amount must be greater than zero")
	ErrInvalidDuration         = errors.New("duration must be positive")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrOverflow                = errors.New("arithmetic overflow")
	ErrNegativePrice           = errors.New("oracle reported a negative price")
	ErrStalePrice              = errors.New("oracle price is stale or unavailable")
	ErrFeedMismatch            = errors.New("oracle feed does not match configured asset")
	ErrAlreadyResolved         = errors.New("wager is not active or already resolved")
	ErrNotYetExpired           = errors.New("wager has not yet expired")
	ErrOwnerMismatch           = errors.New("owner mismatch")
	ErrNotDelegated            = errors.New("resource is not delegated")
	ErrUseDelegatedPath        = errors.New("resources are delegated; use the delegated path")
	ErrUseDirectPath           = errors.New("resources are local; use the direct path")
	ErrInvalidSignaturePayload = errors.New("invalid delegation message or signature")
	ErrTransfer                = errors.New("custody transfer failed")

	ErrNotInitialized  = errors.New("user is not initialized")
	ErrCorruptAccount  = errors.New("account data is corrupt")
	ErrUnknownResource = errors.New("unknown resource kind")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnsupportedAsset, "UnsupportedAsset"},
	{ErrInvalidDirection, "InvalidDirection"},
	{ErrZeroAmount, "ZeroAmount"},
	{ErrInvalidDuration, "InvalidDuration"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrOverflow, "Overflow"},
	{ErrNegativePrice, "NegativePrice"},
	{ErrStalePrice, "StalePrice"},
	{ErrFeedMismatch, "FeedMismatch"},
	{ErrAlreadyResolved, "AlreadyResolved"},
	{ErrNotYetExpired, "NotYetExpired"},
	{ErrOwnerMismatch, "OwnerMismatch"},
	{ErrNotDelegated, "NotDelegated"},
	{ErrUseDelegatedPath, "UseDelegatedPath"},
	{ErrUseDirectPath, "UseDirectPath"},
	{ErrInvalidSignaturePayload, "InvalidSignaturePayload"},
	{ErrTransfer, "TransferError"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrCorruptAccount, "CorruptAccount"},
	{ErrUnknownResource, "UnknownResource"},
}

// ErrorCode returns the stable kind name for err, or "Internal" when err
// does not wrap one of the kinds above.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
