package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lessonkit/pkg/lesson"
)

// NewBatchID allocates a batch id: timestamp plus a short random
// suffix, readable and collision-safe within one host.
func NewBatchID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("batch_%s_%s", time.Now().Format("20060102_150405"), suffix)
}

// NewTaskID allocates a task id unique within its batch, keyed to the
// video's stem for readability.
func NewTaskID(batchID, videoPath string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%s_%s", batchID, lesson.Stem(videoPath), suffix)
}
