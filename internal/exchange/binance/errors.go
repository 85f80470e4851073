package binance

import (
	"errors"
	"strings"

	"bandgrid/internal/core"
)

const (
	apiCodeDisconnected     = -1001
	apiCodeTooManyRequests  = -1003
	apiCodeTimeout          = -1007
	apiCodeInvalidSymbol    = -1121
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

// codeKinds maps API codes to the core error the engine branches on.
var codeKinds = map[int]error{
	apiCodeDisconnected:     core.ErrTransient,
	apiCodeTooManyRequests:  core.ErrTransient,
	apiCodeTimeout:          core.ErrTransient,
	apiCodeNewOrderRejected: core.ErrOrderRejected,
	apiCodeCancelRejected:   core.ErrOrderNotFound,
	apiCodeOrderNotFound:    core.ErrOrderNotFound,
}

// msgKinds refines a code by its message. A message match replaces the
// generic rejection of -2010.
var msgKinds = map[string]error{
	"duplicate order sent.":                                  core.ErrDuplicateOrder,
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"balance is insufficient.":                               core.ErrInsufficientBalance,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"order does not exist.":                                  core.ErrOrderNotFound,
	"order was canceled or expired.":                         core.ErrOrderExpired,
}

// wrapAPIError joins the APIError with the core errors its code and message
// imply, so callers can use both errors.As and errors.Is.
func wrapAPIError(code int, msg string) error {
	apiErr := APIError{Code: code, Msg: msg}
	chain := []error{apiErr}
	byMsg, hasMsg := msgKinds[strings.ToLower(strings.TrimSpace(msg))]
	if kind, ok := codeKinds[code]; ok && !(hasMsg && kind == core.ErrOrderRejected) {
		chain = append(chain, kind)
	}
	if hasMsg && !containsErr(chain, byMsg) {
		chain = append(chain, byMsg)
	}
	if len(chain) == 1 {
		return apiErr
	}
	return errors.Join(chain...)
}

func containsErr(chain []error, target error) bool {
	for _, e := range chain {
		if e == target {
			return true
		}
	}
	return false
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

// IsAPIErrorCode reports whether err carries an APIError with one of codes.
func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
