// Package redis builds the Redis client used by the pub/sub broadcast relay
// that fans task change events out across TaskSync instances.
package redis
