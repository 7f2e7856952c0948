package redislayer

// ConsistentHash exposes the shard placement function to the black-box
// suite: the placements are a cross-deployment compatibility contract,
// pinned by the known-placement cases.
var ConsistentHash = consistentHash
