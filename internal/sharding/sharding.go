package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of subject partitions for board events.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject carrying events for one entity.
// Format: app.event.{shard_id}.{entity_type}.{entity_id}
func EventSubject(entityType, entityID string) string {
	return fmt.Sprintf("app.event.%d.%s.%s", GetShardID(entityID), entityType, entityID)
}
