package kdbus

import "github.com/ehrlich-b/kdbusd/internal/constants"

// Re-exported defaults so callers embedding this module don't need to
// import internal/constants directly.
const (
	DefaultMaxMsgs            = constants.DefaultMaxMsgs
	DefaultMaxMsgsPerUser     = constants.DefaultMaxMsgsPerUser
	DefaultMaxRequestsPending = constants.DefaultMaxRequestsPending
	DefaultMaxConnPerUser     = constants.DefaultMaxConnPerUser
	DefaultMaxBusesPerUser    = constants.DefaultMaxBusesPerUser

	MinBloomSize       = constants.MinBloomSize
	MaxBloomSize       = constants.MaxBloomSize
	BloomSizeAlignment = constants.BloomSizeAlignment
	DefaultBloomSize   = constants.DefaultBloomSize
	DefaultBloomHashes = constants.DefaultBloomHashes
	MinBloomHashes     = constants.MinBloomHashes

	DefaultPoolSize    = constants.DefaultPoolSize
	PoolAllocAlignment = constants.PoolAllocAlignment
)
