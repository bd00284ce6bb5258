package exception

import "github.com/yanun0323/errors"

// Venue errors are recovered by the hedge retry policy and are never
// returned to the trade caller.
var (
	ErrUnmapped            = errors.New("venue: outcome has no external instrument")
	ErrVenueTimeout        = errors.New("venue: request timeout")
	ErrVenueRejected       = errors.New("venue: order rejected")
	ErrVenueUnknownPayload = errors.New("venue: unknown payload kind")
	ErrVenueEmptyBook      = errors.New("venue: empty book")
)
