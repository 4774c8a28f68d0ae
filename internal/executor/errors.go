package executor

import "errors"

var (
	errNoBars   = errors.New("executor: no bar history returned")
	errBadQuote = errors.New("executor: non-positive current price")
)
