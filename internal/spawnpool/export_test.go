package spawnpool

import (
	"context"
	"errors"
)

// FailSpawn drives the rollback path for a spawning worker.
func (p *Pool) FailSpawn(id string) bool {
	return p.rollback(context.Background(), id, errors.New("injected spawn failure"), true)
}

// BuildPrompt exposes prompt construction.
var BuildPrompt = buildPrompt

// BuildMessage exposes message construction.
var BuildMessage = buildMessage

// LookupKind exposes the kind registry.
var LookupKind = builtinKind
