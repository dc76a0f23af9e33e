package vault

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

// both backends must satisfy the same contract, above all the conditional
// Move that everything else is built on

func newFSForTest(t *testing.T) Vault {
	t.Helper()
	v, err := NewFSVault(t.TempDir())
	if err != nil {
		t.Fatalf("fs vault: %v", err)
	}
	return v
}

func newSQLForTest(t *testing.T) Vault {
	t.Helper()
	v, err := NewSQLVault(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("sql vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func runBackends(t *testing.T, fn func(t *testing.T, v Vault)) {
	t.Run("fs", func(t *testing.T) { fn(t, newFSForTest(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLForTest(t)) })
}

func TestWriteReadDelete(t *testing.T) {
	runBackends(t, func(t *testing.T, v Vault) {
		ctx := context.Background()
		if err := v.Write(ctx, "Pending/m1.md", []byte("hello")); err != nil {
			t.Fatalf("write: %v", err)
		}
		data, err := v.Read(ctx, "Pending/m1.md")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != "hello" {
			t.Fatalf("read got %q", data)
		}
		if err := v.Delete(ctx, "Pending/m1.md"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := v.Read(ctx, "Pending/m1.md"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("read after delete: got %v, want ErrNotFound", err)
		}
		if err := v.Delete(ctx, "Pending/m1.md"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("double delete: got %v, want ErrNotFound", err)
		}
	})
}

func TestWriteOverwrites(t *testing.T) {
	runBackends(t, func(t *testing.T, v Vault) {
		ctx := context.Background()
		if err := v.Write(ctx, "registry/a.json", []byte("v1")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := v.Write(ctx, "registry/a.json", []byte("v2")); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		data, _ := v.Read(ctx, "registry/a.json")
		if string(data) != "v2" {
			t.Fatalf("got %q want v2", data)
		}
	})
}

func TestListDirectChildren(t *testing.T) {
	runBackends(t, func(t *testing.T, v Vault) {
		ctx := context.Background()
		for _, p := range []string{"Inbox/a/m1.md", "Inbox/a/m2.md", "Inbox/b/m3.md"} {
			if err := v.Write(ctx, p, []byte("x")); err != nil {
				t.Fatalf("write %s: %v", p, err)
			}
		}
		names, err := v.List(ctx, "Inbox/a")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(names) != 2 || names[0] != "m1.md" || names[1] != "m2.md" {
			t.Fatalf("list Inbox/a: got %v", names)
		}
		agents, err := v.List(ctx, "Inbox")
		if err != nil {
			t.Fatalf("list root: %v", err)
		}
		if len(agents) != 2 || agents[0] != "a" || agents[1] != "b" {
			t.Fatalf("list Inbox: got %v, want per-agent areas", agents)
		}
		empty, err := v.List(ctx, "Inbox/missing")
		if err != nil {
			t.Fatalf("list missing dir: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("missing dir listed %v", empty)
		}
	})
}

func TestMoveConditional(t *testing.T) {
	runBackends(t, func(t *testing.T, v Vault) {
		ctx := context.Background()
		if err := v.Write(ctx, "Pending/m1.md", []byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := v.Move(ctx, "Pending/m1.md", "Processing/m1.md"); err != nil {
			t.Fatalf("move: %v", err)
		}
		if ok, _ := v.Exists(ctx, "Pending/m1.md"); ok {
			t.Fatal("source still present after move")
		}
		if ok, _ := v.Exists(ctx, "Processing/m1.md"); !ok {
			t.Fatal("destination missing after move")
		}
		// the record is gone from the source: a second relocation must lose
		if err := v.Move(ctx, "Pending/m1.md", "Processing/m1.md"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("move of relocated record: got %v, want ErrNotFound", err)
		}
	})
}

func TestMoveRaceHasOneWinner(t *testing.T) {
	runBackends(t, func(t *testing.T, v Vault) {
		ctx := context.Background()
		if err := v.Write(ctx, "Pending/contested.md", []byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
		const racers = 8
		var wg sync.WaitGroup
		wins := make(chan int, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				dst := "Claims/agent" + string(rune('a'+n)) + "/contested.md"
				if err := v.Move(ctx, "Pending/contested.md", dst); err == nil {
					wins <- n
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		count := 0
		for range wins {
			count++
		}
		if count != 1 {
			t.Fatalf("expected exactly 1 winning move, got %d", count)
		}
	})
}
