package logs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoWorkerLog reports that no log exists for a claim.
var ErrNoWorkerLog = errors.New("no worker log found")

// WorkerLogPath returns the newest log under dir written for claimID.
// Spawned workers name their logs "<kind>-claim-<id>-<worker>.log".
func WorkerLogPath(dir string, claimID int64) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("*-claim-%d-*.log", claimID)))
	if err != nil {
		return "", err
	}
	var newest string
	var newestAt time.Time
	for _, candidate := range matches {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest, newestAt = candidate, info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w for claim %d in %s", ErrNoWorkerLog, claimID, dir)
	}
	return newest, nil
}
