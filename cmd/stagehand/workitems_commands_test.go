package main

import (
	"encoding/json"
	"os"
	"strconv"
	"testing"

	"stagehand/internal/claims"
	"stagehand/internal/spawnpool"
	"stagehand/internal/workitems"
)

func TestWorkItemsLifecycle(t *testing.T) {
	env := setupOfflineEnv(t)

	out := env.mustRun(t, "-o", "json", "workitems", "add", "--type", "spec", "--priority", "p1", "Fix", "the", "widget")
	var item workitems.Item
	if err := json.Unmarshal([]byte(out), &item); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if item.Title != "Fix the widget" || item.Priority != "P1" || item.Type != workitems.TypeSpec {
		t.Fatalf("unexpected item: %+v", item)
	}
	id := strconv.FormatInt(item.ID, 10)

	out = env.mustRun(t, "workitems", "list")
	requireContains(t, out, "Fix the widget")

	pid := strconv.Itoa(os.Getpid())
	out = env.mustRun(t, "-o", "json", "workitems", "claim", id, "--kind", string(spawnpool.KindCodex), "--pid", pid)
	var claimed spawnpool.SelfClaimResult
	if err := json.Unmarshal([]byte(out), &claimed); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if claimed.Outcome != spawnpool.SelfClaimed {
		t.Fatalf("outcome = %s, want claimed", claimed.Outcome)
	}

	out = env.mustRun(t, "workitems", "claim", id, "--kind", string(spawnpool.KindCodex), "--pid", pid)
	requireContains(t, out, "Already Held")

	if _, err := env.run(t, "workitems", "claim", id, "--kind", string(spawnpool.KindGemini), "--pid", pid); err == nil {
		t.Fatal("expected a live holder of another kind to keep the claim")
	} else {
		requireContains(t, err.Error(), "held by codex")
	}

	out = env.mustRun(t, "workitems", "list", "--status", string(claims.StatusInProgress))
	requireContains(t, out, "codex/"+pid)

	out = env.mustRun(t, "workitems", "resolve", id, "--resolution", "shipped")
	requireContains(t, out, "Resolved work item "+id)
	out = env.mustRun(t, "workitems", "resolve", id)
	requireContains(t, out, "already resolved")

	out = env.mustRun(t, "workitems", "show", id)
	requireContains(t, out, "Resolution: shipped")

	out = env.mustRun(t, "workitems", "reopen", id)
	requireContains(t, out, "Reopened work item "+id)
	out = env.mustRun(t, "workitems", "list")
	requireContains(t, out, "Fix the widget")

	if _, err := env.run(t, "workitems", "reopen", "999"); err == nil {
		t.Fatal("expected reopen of a missing item to fail")
	}
	if _, err := env.run(t, "workitems", "show", "abc"); err == nil {
		t.Fatal("expected invalid id to fail")
	}
}

func TestWorkItemsClaimRequiresKind(t *testing.T) {
	env := setupOfflineEnv(t)
	t.Setenv("STAGEHAND_WORKER_KIND", "")

	if _, err := env.run(t, "workitems", "claim", "1"); err == nil {
		t.Fatal("expected missing kind to fail")
	} else {
		requireContains(t, err.Error(), "--kind is required")
	}
}
