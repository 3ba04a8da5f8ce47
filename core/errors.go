package core

import "golang.org/x/xerrors"

var (
	// ErrDiscoveryEmpty is logged when no seller answered a directory search
	// after the bounded retries.
	ErrDiscoveryEmpty = xerrors.New("no sellers found")

	ErrItemNotFound           = xerrors.New(ReasonItemNotFound)
	ErrInsufficientStock      = xerrors.New(ReasonInsufficientStock)
	ErrPriceAboveMaximum      = xerrors.New("price above maximum")
	ErrStockExhaustedAtCommit = xerrors.New(ReasonStockExhausted)

	// ErrMalformedMessage marks a message whose content does not parse into
	// the fields its performative requires. Such messages are dropped.
	ErrMalformedMessage = xerrors.New("malformed message")
)

// ReasonError maps a refuse/cancel reason code to its sentinel error.
func ReasonError(reason string) error {
	switch reason {
	case ReasonItemNotFound:
		return ErrItemNotFound
	case ReasonInsufficientStock:
		return ErrInsufficientStock
	case ReasonStockExhausted:
		return ErrStockExhaustedAtCommit
	default:
		return xerrors.Errorf("unknown reason %q", reason)
	}
}
