package cache

import (
	"sort"
	"time"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/database"
)

const (
	// UnusedExpiryDays is how long a never-downloaded package is kept
	UnusedExpiryDays = 7
	// IdleExpiryDays is how long a package is kept after its last download
	IdleExpiryDays = 30
)

// RankedPackage is a non-expired, downloaded package with its retention score.
// Lower scores are evicted first.
type RankedPackage struct {
	database.ActivePackage
	Score int `json:"score"`
}

// Selection is the outcome of SelectPackagesToBeRemoved
type Selection struct {
	Remove  []database.ActivePackage `json:"remove"`
	Expired []database.ActivePackage `json:"expired"`
	Ranked  []RankedPackage          `json:"ranked"`
}

// RemoveBytes is the total size of the packages selected for removal
func (s Selection) RemoveBytes() int64 {
	var total int64
	for _, p := range s.Remove {
		total += p.SizeBytes
	}
	return total
}

// SelectPackagesToBeRemoved chooses the packages to evict to free clearSize
// bytes. Expired packages go first and alone if they free enough. Otherwise
// downloaded packages are added lowest score first until the freed bytes
// exceed clearSize. Never-downloaded packages younger than UnusedExpiryDays
// are never selected.
//
// The function reads nothing but its arguments.
func SelectPackagesToBeRemoved(now time.Time, clearSize int64, packages []database.ActivePackage) Selection {
	sel := Selection{
		Remove:  []database.ActivePackage{},
		Expired: []database.ActivePackage{},
		Ranked:  []RankedPackage{},
	}

	var expiredBytes int64
	expired := make(map[string]bool)
	for _, p := range packages {
		if isExpired(now, p) {
			sel.Expired = append(sel.Expired, p)
			expired[p.Filename] = true
			expiredBytes += p.SizeBytes
		}
	}

	sel.Remove = append(sel.Remove, sel.Expired...)
	if expiredBytes >= clearSize {
		return sel
	}

	for _, p := range packages {
		if expired[p.Filename] || p.Downloads == 0 || p.LastDownloaded == nil {
			continue
		}
		sel.Ranked = append(sel.Ranked, RankedPackage{ActivePackage: p, Score: scorePackage(now, p)})
	}
	sort.SliceStable(sel.Ranked, func(i, j int) bool {
		if sel.Ranked[i].Score != sel.Ranked[j].Score {
			return sel.Ranked[i].Score < sel.Ranked[j].Score
		}
		return sel.Ranked[i].Filename < sel.Ranked[j].Filename
	})

	var rankedBytes int64
	for _, r := range sel.Ranked {
		sel.Remove = append(sel.Remove, r.ActivePackage)
		rankedBytes += r.SizeBytes
		if expiredBytes+rankedBytes > clearSize {
			break
		}
	}
	return sel
}

func isExpired(now time.Time, p database.ActivePackage) bool {
	if p.Downloads == 0 && daysSince(now, p.GeneratedAt) > UnusedExpiryDays {
		return true
	}
	return p.LastDownloaded != nil && daysSince(now, *p.LastDownloaded) > IdleExpiryDays
}

// scorePackage favours keeping frequently and recently downloaded small packages
func scorePackage(now time.Time, p database.ActivePackage) int {
	s := p.Downloads*10 + IdleExpiryDays - daysSince(now, *p.LastDownloaded)
	switch {
	case p.SizeBytes <= config.GB:
		s += 50
	case p.SizeBytes < 10*config.GB:
		s += 20
	}
	return s
}

// daysSince counts whole days elapsed, zero for future instants
func daysSince(now, t time.Time) int {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
