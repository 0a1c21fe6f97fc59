package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

func newFileStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileAdminsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)

	got, err := st.LoadAdmins(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh store must have no admins, got %v", got)
	}

	want := []int64{2000, 3000}
	if err := st.SaveAdmins(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = st.LoadAdmins(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0] != 2000 || got[1] != 3000 {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestFileChannelsPerOwner(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)

	now := time.Now().Truncate(time.Second)
	a := []Channel{
		{ChatID: -101, Name: "@news", AddedAt: now},
		{ChatID: -102, Name: "@blog", AddedAt: now},
	}
	if err := st.SaveChannels(ctx, 1000, a); err != nil {
		t.Fatalf("save owner 1000: %v", err)
	}
	if err := st.SaveChannels(ctx, 2000, []Channel{{ChatID: -101, Name: "@news", AddedAt: now}}); err != nil {
		t.Fatalf("save owner 2000: %v", err)
	}

	got, err := st.LoadChannels(ctx, 1000)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Name != "@news" || got[1].Name != "@blog" {
		t.Fatalf("order must survive the round trip, got %v", got)
	}

	// Saving an empty list clears the owner's row without touching others.
	if err := st.SaveChannels(ctx, 1000, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = st.LoadChannels(ctx, 1000)
	if len(got) != 0 {
		t.Fatalf("want cleared set, got %v", got)
	}
	got, _ = st.LoadChannels(ctx, 2000)
	if len(got) != 1 {
		t.Fatalf("other owner must be untouched, got %v", got)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "bot")

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.SaveAdmins(ctx, []int64{2000}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveChannels(ctx, 1000, []Channel{{ChatID: -101, Name: "@news"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	admins, err := st2.LoadAdmins(ctx)
	if err != nil || len(admins) != 1 || admins[0] != 2000 {
		t.Fatalf("admins after reopen: %v err=%v", admins, err)
	}
	chs, err := st2.LoadChannels(ctx, 1000)
	if err != nil || len(chs) != 1 || chs[0].ChatID != -101 {
		t.Fatalf("channels after reopen: %v err=%v", chs, err)
	}
}

func TestFileAuditAppendAndPrune(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)

	now := time.Now()
	entries := []AuditEntry{
		{At: now.Add(-48 * time.Hour), ActorID: 1000, Action: "channel.add", Target: "@old"},
		{At: now.Add(-1 * time.Hour), ActorID: 1000, Action: "broadcast", OK: 4},
		{At: now, ActorID: 2000, Action: "channel.remove", Target: "@new"},
	}
	for _, e := range entries {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := st.PruneAudit(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("want 1 pruned entry, got %d", removed)
	}

	// The append handle must still work after the prune rewrite.
	if err := st.AppendAudit(ctx, AuditEntry{At: now, ActorID: 1000, Action: "admin.add"}); err != nil {
		t.Fatalf("append after prune: %v", err)
	}

	removed, err = st.PruneAudit(ctx, now.Add(-24*time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("second prune: removed=%d err=%v", removed, err)
	}
}

func TestFileStoreNoTempLeftovers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Path: filepath.Join(dir, "bot")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if err := st.SaveAdmins(ctx, []int64{1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := st.PruneAudit(ctx, time.Now()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, f := range files {
		if filepath.Ext(f.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", f.Name())
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("want error for unknown driver")
	}
}
