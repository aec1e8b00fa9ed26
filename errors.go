package cellbalance

import "errors"

var (
	ErrNilGroup         = errors.New("cellbalance: nil group")
	ErrInvalidGroupSize = errors.New("cellbalance: invalid group size")
	ErrInvalidRankRange = errors.New("cellbalance: invalid rank range")
	ErrInvalidWeight    = errors.New("cellbalance: invalid weight")
)

var (
	ErrZeroWeightSum     = errors.New("cellbalance: weights sum to zero")
	ErrMalformedCounts   = errors.New("cellbalance: malformed counts")
	ErrMalformedSchedule = errors.New("cellbalance: malformed schedule")
	ErrProtocolViolation = errors.New("cellbalance: protocol violation")
	ErrTimeout           = errors.New("cellbalance: timeout")
)
