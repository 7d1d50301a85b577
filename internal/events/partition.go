package events

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Partition maps key onto one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// StreamName is the physical stream or routing key for one channel partition: "account-updated.p0".
func StreamName(channel string, partition int) string {
	return fmt.Sprintf("%s.p%d", channel, partition)
}

func DeadLetterName(stream string) string {
	return stream + ".dlq"
}
