package bucketing

import (
	"github.com/spaolacci/murmur3"

	"twofactor-service/internal/config"
)

const defaultBucketCount = 64

// BucketingManager maps user IDs onto a fixed set of partition buckets so hot
// users spread across Scylla partitions.
type BucketingManager struct {
	bucketCount uint32
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return &BucketingManager{bucketCount: defaultBucketCount}
}

// GetUserBucket returns a stable bucket for the user ID.
func (m *BucketingManager) GetUserBucket(userID string) int {
	return int(murmur3.Sum32([]byte(userID)) % m.bucketCount)
}
