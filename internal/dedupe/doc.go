// Package dedupe tracks recently seen envelope IDs.
//
// Clients may retry sends after transient disconnects, so the same
// envelope can arrive more than once. The router checks each incoming id
// against this cache and silently drops duplicates. Entries expire after
// a TTL and the cache is size-bounded with oldest-first eviction.
package dedupe
