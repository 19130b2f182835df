package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"holocron/pkg/state"
)

// FileLease is a single-holder lease backed by a JSON file. It keeps
// a cron tick and an admin-triggered run from sweeping the same store
// at once. Writes go through a temp file plus rename.
type FileLease struct {
	path string
}

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileLease returns a lease rooted in dir.
func NewFileLease(dir string) *FileLease {
	return &FileLease{path: filepath.Join(dir, "lease.json")}
}

// Acquire takes the lease for owner with the given ttl. Returns false
// when another live owner holds it. An expired lease is stolen.
func (l *FileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	cur, err := l.read()
	if err != nil {
		return false, err
	}
	if cur != nil && cur.Owner != owner && time.Now().Before(cur.ExpiresAt) {
		return false, nil
	}
	if err := l.write(leaseRecord{Owner: owner, ExpiresAt: time.Now().Add(ttl)}); err != nil {
		return false, err
	}
	return true, nil
}

// Renew extends the lease. Fails when owner no longer holds it.
func (l *FileLease) Renew(owner string, ttl time.Duration) error {
	cur, err := l.read()
	if err != nil {
		return err
	}
	if cur == nil || cur.Owner != owner {
		return fmt.Errorf("lease not held by %s", owner)
	}
	return l.write(leaseRecord{Owner: owner, ExpiresAt: time.Now().Add(ttl)})
}

// Release drops the lease if owner holds it.
func (l *FileLease) Release(owner string) error {
	cur, err := l.read()
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	if cur.Owner != owner {
		return fmt.Errorf("lease not held by %s", owner)
	}
	return os.Remove(l.path)
}

func (l *FileLease) read() (*leaseRecord, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec leaseRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		// corrupt lease file; treat as absent so a crashed run cannot
		// wedge retention forever
		return nil, nil
	}
	return &rec, nil
}

func (l *FileLease) write(rec leaseRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(l.path, b, 0o600)
}
