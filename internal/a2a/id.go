package a2a

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a unique, time-sortable message id. The timestamp
// prefix keeps lexicographic order aligned with creation order; the uuid
// suffix breaks ties between messages created in the same nanosecond.
func NewMessageID(now time.Time) string {
	stamp := now.UTC().Format("20060102T150405.000000000")
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("msg-%s-%s", stamp, suffix)
}
