package sharding

import "unicode/utf16"

// HashEntityId computes the cluster-wide entity hash: a djb2 variant over
// UTF-16 code units processed back-to-front, re-mixed to smooth the high
// bit. Every pod MUST produce identical values for the same entity id;
// changing this function requires a cluster-wide version bump.
func HashEntityId(entityId string) int32 {
	h := int32(5381)
	units := utf16.Encode([]rune(entityId))
	for i := len(units) - 1; i >= 0; i-- {
		h = int32(int64(h)*33) ^ int32(units[i])
	}
	return hashOptimize(h)
}

func hashOptimize(n int32) int32 {
	u := uint32(n)
	return int32((u & 0xBFFFFFFF) | ((u >> 1) & 0x40000000))
}

// ShardIdForEntity maps an entity id onto a shard.
func ShardIdForEntity(entityId string, numberOfShards int) ShardId {
	if numberOfShards <= 0 {
		return 0
	}
	h := HashEntityId(entityId)
	if h < 0 {
		h = -h
	}
	return ShardId(int(h) % numberOfShards)
}
