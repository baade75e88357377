package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// HubFilesKey caches the file listing of one dataset repo revision.
func HubFilesKey(repoID, revision string) string {
	return fmt.Sprintf("hub:files:%s@%s", repoID, revision)
}

// SubmitRateKey counts job submissions from one client within the current window.
func SubmitRateKey(client string) string {
	return fmt.Sprintf("ratelimit:submit:%s", client)
}
