package journal_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/journal"
)

func openJournal(t *testing.T, opts ...journal.Option) (*journal.Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func stepClock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func checkStatus(r journal.Result, name string) string {
	for _, c := range r.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	return ""
}

func TestAppendAndList(t *testing.T) {
	j, _ := openJournal(t, journal.WithClock(stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))

	first, err := j.Append(journal.Entry{Instance: "default", Action: journal.ActionInit, Subject: "udp://vpn.example.com:1194", Outcome: journal.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, journal.GenesisHash, first.PrevHash)
	assert.NotEmpty(t, first.ID)

	second, err := j.Append(journal.Entry{Instance: "default", Action: journal.ActionClientAdded, Subject: "alice", Outcome: journal.OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, journal.ChainHash(first.ID, first.PrevHash, first.CreatedAt), second.PrevHash)

	_, err = j.Append(journal.Entry{Instance: "other", Action: journal.ActionInit, Outcome: journal.OutcomeFailure, Detail: "toolchain_not_found"})
	require.NoError(t, err)

	entries, err := j.List("default")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0])
	assert.Equal(t, second, entries[1])

	other, err := j.List("other")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, journal.GenesisHash, other[0].PrevHash, "each instance has its own chain")

	none, err := j.List("missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestAppend_RequiresInstance(t *testing.T) {
	j, _ := openJournal(t)
	_, err := j.Append(journal.Entry{Action: journal.ActionInit})
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

func TestVerify_StoredChain(t *testing.T) {
	j, _ := openJournal(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := j.Append(journal.Entry{Instance: "default", Action: journal.ActionClientAdded, Subject: name, Outcome: journal.OutcomeSuccess})
		require.NoError(t, err)
	}
	r, err := j.Verify("default")
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, 3, r.EntryCount)
	assert.Zero(t, r.Failures())
}

func TestVerify_DetectsTampering(t *testing.T) {
	j, path := openJournal(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := j.Append(journal.Entry{Instance: "default", Action: journal.ActionClientAdded, Subject: name, Outcome: journal.OutcomeSuccess})
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	// Rewrite the id of the middle entry behind the journal's back.
	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("default"))
		c := b.Cursor()
		c.First()
		k, v := c.Next()
		var e journal.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		e.ID = "forged"
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	}))
	require.NoError(t, db.Close())

	j, err = journal.Open(path)
	require.NoError(t, err)
	defer j.Close()
	r, err := j.Verify("default")
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, journal.StatusFail, checkStatus(r, "chain_continuity"))
	assert.Equal(t, journal.StatusPass, checkStatus(r, "genesis_anchor"))
}

// buildChain returns n correctly linked entries.
func buildChain(instance string, n int) []journal.Entry {
	entries := make([]journal.Entry, n)
	prev := journal.GenesisHash
	for i := range n {
		ts := time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339Nano)
		id := "entry-" + string(rune('a'+i))
		entries[i] = journal.Entry{ID: id, Instance: instance, Action: journal.ActionClientAdded, Outcome: journal.OutcomeSuccess, CreatedAt: ts, PrevHash: prev}
		prev = journal.ChainHash(id, prev, ts)
	}
	return entries
}

func TestVerifyChain(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		r := journal.VerifyChain("default", nil)
		assert.True(t, r.Valid)
		require.Len(t, r.Checks, 1)
		assert.Equal(t, "empty_chain", r.Checks[0].Name)
	})

	t.Run("valid", func(t *testing.T) {
		r := journal.VerifyChain("default", buildChain("default", 5))
		assert.True(t, r.Valid)
		assert.Zero(t, r.Failures())
		assert.Zero(t, r.Warnings())
	})

	t.Run("bad genesis", func(t *testing.T) {
		entries := buildChain("default", 3)
		entries[0].PrevHash = "abc"
		r := journal.VerifyChain("default", entries)
		assert.False(t, r.Valid)
		assert.Equal(t, journal.StatusFail, checkStatus(r, "genesis_anchor"))
	})

	t.Run("deleted entry", func(t *testing.T) {
		entries := buildChain("default", 4)
		entries = append(entries[:1], entries[2:]...)
		r := journal.VerifyChain("default", entries)
		assert.False(t, r.Valid)
		assert.Equal(t, journal.StatusFail, checkStatus(r, "chain_continuity"))
	})

	t.Run("duplicate id", func(t *testing.T) {
		entries := buildChain("default", 3)
		entries[2].ID = entries[0].ID
		r := journal.VerifyChain("default", entries)
		assert.False(t, r.Valid)
		assert.Equal(t, journal.StatusFail, checkStatus(r, "no_duplicate_ids"))
	})

	t.Run("clock skew only warns", func(t *testing.T) {
		entries := buildChain("default", 3)
		entries[2].CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
		r := journal.VerifyChain("default", entries[1:])
		assert.Equal(t, journal.StatusWarn, checkStatus(r, "monotonic_timestamps"))
		assert.Equal(t, 1, r.Warnings())
	})

	t.Run("foreign instance", func(t *testing.T) {
		entries := buildChain("default", 2)
		entries[1].Instance = "other"
		r := journal.VerifyChain("default", entries)
		assert.False(t, r.Valid)
		assert.Equal(t, journal.StatusFail, checkStatus(r, "consistent_instance_ids"))
	})
}

func TestOpen_Unavailable(t *testing.T) {
	_, err := journal.Open(filepath.Join(t.TempDir(), "missing", "dir", "journal.db"))
	assert.True(t, errs.Is(err, errs.StoreUnavailable))
}
