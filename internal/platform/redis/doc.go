// Package redis provides Redis-backed implementations of the result cache
// backend and the session store. Expiry is delegated to Redis key TTLs.
package redis
