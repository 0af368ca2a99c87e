package api

import "errors"

var (
	ErrUnauthorized  = errors.New("api: unauthorized")
	ErrNotFound      = errors.New("api: not found")
	ErrTimeout       = errors.New("api: timeout")
	ErrRateLimited   = errors.New("api: rate limited")
	ErrRequestFailed = errors.New("api: request failed")
)

func IsUnauthorized(err error) bool  { return errors.Is(err, ErrUnauthorized) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsTimeout(err error) bool       { return errors.Is(err, ErrTimeout) }
func IsRateLimited(err error) bool   { return errors.Is(err, ErrRateLimited) }
func IsRequestFailed(err error) bool { return errors.Is(err, ErrRequestFailed) }
