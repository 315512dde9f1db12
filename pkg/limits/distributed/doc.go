// Package distributed provides a cross-instance request counter backed by
// Redis sorted sets.
//
// RedisCounter is the optional vote of the request tracker: it reports how
// many requests all instances recorded for a key within a window. It never
// blocks longer than its timeout and never makes the caller fail. When Redis
// is unreachable it answers from an in-process counter and wraps ErrDegraded,
// which the tracker treats as a dropped vote.
package distributed
