package spawnpool_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"stagehand/internal/claims"
	"stagehand/internal/spawnpool"
)

func TestBuildCommandPerKind(t *testing.T) {
	claim := claims.Claim{ID: 12, Type: "bug", Priority: "P1", Title: "Fix \"quoted\" title", Summary: "line one\nline two"}

	kind, ok := spawnpool.LookupKind(spawnpool.KindClaude2, "", 1)
	require.True(t, ok)
	path, args := kind.BuildCommand(claim)
	require.Equal(t, "claude", path)
	require.Equal(t, []string{"--dangerously-skip-permissions", "-p"}, args[:2])
	require.Contains(t, args[2], "BTS-12")
	require.Contains(t, args[2], "stagehand workitems resolve 12")

	kind, ok = spawnpool.LookupKind(spawnpool.KindCodex, "/opt/bin/codex", 2)
	require.True(t, ok)
	path, args = kind.BuildCommand(claim)
	require.Equal(t, "/opt/bin/codex", path)
	require.Equal(t, "--yolo", args[0])
	require.Equal(t, "BTS-12 Fix quoted title line one line two", args[1])
	require.Equal(t, 2, kind.Limit())

	_, ok = spawnpool.LookupKind("bogus", "", 1)
	require.False(t, ok)
}

func TestBuildMessageTruncates(t *testing.T) {
	claim := claims.Claim{ID: 3, Type: "spec", Title: "t", Summary: strings.Repeat("a", 900)}
	msg := spawnpool.BuildMessage(claim)
	require.Len(t, msg, 500)
	require.True(t, strings.HasPrefix(msg, "SPEC-3 t "))
	require.NotContains(t, spawnpool.BuildPrompt(claim), strings.Repeat("a", 501))
}
