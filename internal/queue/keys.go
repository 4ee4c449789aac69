package queue

import "strings"

const DefaultPrefix = "subway"

// Keys builds every Redis key subway uses, under one prefix.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{prefix: prefix}
}

func (k Keys) Prefix() string { return k.prefix }

func (k Keys) join(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

// Registry is the set of known live queue names.
func (k Keys) Registry() string { return k.join("queues") }
func (k Keys) Live(name string) string { return k.join("queue", name) }
func (k Keys) Bucket(kind, ts string) string { return k.join(kind, ts) }
func (k Keys) Schedule(kind string) string { return k.join(kind, "schedule") }
func (k Keys) Status(id string) string { return k.join("job", id, "status") }
func (k Keys) Workers() string { return k.join("workers") }
func (k Keys) WorkerStarted(id string) string { return k.join("worker", id, "started") }
func (k Keys) WorkerInflight(id string) string { return k.join("worker", id, "inflight") }
func (k Keys) Processed() string { return k.join("stat", "processed") }
func (k Keys) WorkerProcessed(id string) string { return k.join("stat", "processed", id) }
func (k Keys) Failed() string { return k.join("stat", "failed") }
func (k Keys) WorkerFailed(id string) string { return k.join("stat", "failed", id) }
func (k Keys) FailureLog() string { return k.join("failed") }
func (k Keys) Once(queue, hash string) string { return k.join("once", queue, hash) }
