package cache

import (
	"fmt"
)

func UpstreamDetailsKey(jobID string) string {
	return fmt.Sprintf("upstream:details:%s", jobID)
}

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
