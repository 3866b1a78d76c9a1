package journal

import (
	"fmt"
	"time"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusWarn = "warn"
)

// Result is the outcome of verifying one chain.
type Result struct {
	Instance   string  `json:"instance"`
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

// Check is one named verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Failures and Warnings count non-passing checks.
func (r Result) Failures() int { return r.count(StatusFail) }
func (r Result) Warnings() int { return r.count(StatusWarn) }

func (r Result) count(status string) int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == status {
			n++
		}
	}
	return n
}

func (r *Result) add(name string, ok bool, failStatus, detail string) {
	c := Check{Name: name, Status: StatusPass, Detail: detail}
	if !ok {
		c.Status = failStatus
		if failStatus == StatusFail {
			r.Valid = false
		}
	}
	r.Checks = append(r.Checks, c)
}

// VerifyChain checks the genesis anchor, link continuity, id uniqueness,
// timestamp ordering and instance consistency of entries.
func VerifyChain(instance string, entries []Entry) Result {
	r := Result{Instance: instance, EntryCount: len(entries), Valid: true}
	if len(entries) == 0 {
		r.add("empty_chain", true, StatusPass, "no entries to verify")
		return r
	}

	// 1. Genesis anchor.
	genesisOK := entries[0].PrevHash == GenesisHash
	detail := ""
	if !genesisOK {
		detail = fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash)
	}
	r.add("genesis_anchor", genesisOK, StatusFail, detail)

	// 2. Chain continuity.
	chainOK := true
	detail = fmt.Sprintf("all %d entries link correctly", len(entries))
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		want := ChainHash(prev.ID, prev.PrevHash, prev.CreatedAt)
		if entries[i].PrevHash != want {
			chainOK = false
			detail = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s", i, entries[i].ID, entries[i].PrevHash, want)
			break
		}
	}
	r.add("chain_continuity", chainOK, StatusFail, detail)

	// 3. No duplicate IDs.
	seen := make(map[string]int, len(entries))
	dupOK := true
	detail = ""
	for i, e := range entries {
		if first, ok := seen[e.ID]; ok {
			dupOK = false
			detail = fmt.Sprintf("entry %d and entry %d share id=%s", first, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	r.add("no_duplicate_ids", dupOK, StatusFail, detail)

	// 4. Monotonic timestamps. Clock skew happens, so this only warns.
	tsOK := true
	detail = ""
	var prevTime time.Time
	for i, e := range entries {
		ts, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			tsOK = false
			detail = fmt.Sprintf("entry %d has unparseable created_at=%q", i, e.CreatedAt)
			break
		}
		if ts.Before(prevTime) {
			tsOK = false
			detail = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prevTime = ts
	}
	r.add("monotonic_timestamps", tsOK, StatusWarn, detail)

	// 5. Consistent instance ids.
	instOK := true
	detail = ""
	for i, e := range entries {
		if e.Instance != instance {
			instOK = false
			detail = fmt.Sprintf("entry %d has instance=%s, expected %s", i, e.Instance, instance)
			break
		}
	}
	r.add("consistent_instance_ids", instOK, StatusFail, detail)
	return r
}
