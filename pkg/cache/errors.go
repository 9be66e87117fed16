package cache

import "errors"

var (
	// Cache operation errors
	ErrCacheMiss          = errors.New("cache miss")
	ErrBackendUnavailable = errors.New("cache backend unavailable")

	// Codec errors
	ErrEncodingFailed = errors.New("payload encoding failed")
	ErrCorruptPayload = errors.New("corrupt payload")

	// Key construction errors
	ErrUnsupportedParam = errors.New("unsupported key parameter type")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
