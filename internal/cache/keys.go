package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobProgressKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

func ReportKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:report", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
