package redislayer

import "hash/crc32"

// ringSize is the resolution of the hash ring: keys are first reduced to
// a 12-bit value, then divided evenly among the shards. Part of the
// deployment contract; changing it remaps every existing channel.
const ringSize = 4096

// consistentHash deterministically maps key to one of shardCount shards.
// Pure function of its arguments: no seeds, no iteration order, identical
// results across processes and restarts, so repeated operations on one
// channel always land on the same shard.
func consistentHash(key string, shardCount int) int {
	if shardCount == 1 {
		return 0
	}
	bigval := crc32.ChecksumIEEE([]byte(key)) & (ringSize - 1)
	ringDivisor := float64(ringSize) / float64(shardCount)
	return int(float64(bigval) / ringDivisor)
}
