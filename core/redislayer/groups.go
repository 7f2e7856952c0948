package redislayer

import (
	"context"
	"time"
)

// groupStore keeps group membership on the remote store: one sorted set
// per group on the shard the group name hashes to, member = channel name,
// score = add time. The key carries the group-expiry TTL so abandoned
// groups disappear on their own; individual stale members are pruned on
// read.
type groupStore struct {
	prefix string
	expiry time.Duration
	conns  []shardConn
}

func (g *groupStore) key(group string) string {
	return g.prefix + ":group:" + group
}

func (g *groupStore) conn(group string) shardConn {
	return g.conns[consistentHash(group, len(g.conns))]
}

func (g *groupStore) add(ctx context.Context, group, channel string) error {
	return g.conn(group).GroupAdd(ctx, g.key(group), channel, nowScore(), g.expiry)
}

func (g *groupStore) discard(ctx context.Context, group, channel string) error {
	return g.conn(group).GroupDiscard(ctx, g.key(group), channel)
}

func (g *groupStore) members(ctx context.Context, group string) ([]string, error) {
	minScore := nowScore() - g.expiry.Seconds()
	return g.conn(group).GroupMembers(ctx, g.key(group), minScore)
}

// nowScore is the sorted-set score convention used across the layer:
// fractional unix seconds.
func nowScore() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
