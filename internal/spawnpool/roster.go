package spawnpool

import (
	"stagehand/internal/claims"
	"stagehand/internal/config"
	"stagehand/internal/logging"
)

type rosterSlot struct {
	kind    WorkerKind
	enabled bool
}

// buildRoster maps config entries onto registered kinds. Registered kinds
// missing from settings stay in the roster disabled; unknown names are
// returned for logging.
func buildRoster(settings []config.PoolKind) ([]rosterSlot, []string) {
	byKey := make(map[Kind]config.PoolKind, len(settings))
	var unknown []string
	for _, entry := range settings {
		key := Kind(entry.Kind)
		if _, ok := builtinKind(key, "", 0); !ok {
			unknown = append(unknown, entry.Kind)
			continue
		}
		byKey[key] = entry
	}
	slots := make([]rosterSlot, 0, len(BuiltinKinds()))
	for _, key := range BuiltinKinds() {
		entry, ok := byKey[key]
		kind, _ := builtinKind(key, entry.Binary, entry.Limit)
		slots = append(slots, rosterSlot{kind: kind, enabled: ok && entry.Enabled && entry.Limit > 0})
	}
	return slots, unknown
}

// AvailableKind returns the next kind in rotation that is enabled, below its
// limit, and not tripped by the breaker. It does not reserve capacity.
func (p *Pool) AvailableKind() (WorkerKind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pickLocked()
	if !ok {
		return nil, false
	}
	return p.roster[idx].kind, true
}

// reserveKind picks a kind, advances the rotation, and counts one in-flight
// worker against it.
func (p *Pool) reserveKind() (WorkerKind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.pickLocked()
	if !ok {
		return nil, false
	}
	kind := p.roster[idx].kind
	p.next = (idx + 1) % len(p.roster)
	p.inflight[kind.Key()]++
	return kind, true
}

func (p *Pool) unreserveLocked(key Kind) {
	if p.inflight[key] > 0 {
		p.inflight[key]--
	}
}

func (p *Pool) pickLocked() (int, bool) {
	n := len(p.roster)
	now := p.clock.Now()
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		slot := p.roster[idx]
		if !slot.enabled {
			continue
		}
		key := slot.kind.Key()
		if p.breaker.isOpen(key, now) {
			continue
		}
		if p.inflight[key] >= slot.kind.Limit() {
			continue
		}
		return idx, true
	}
	return 0, false
}

// ApplyRoster replaces the roster from configuration. Workers already running
// keep their kind; new limits apply to future spawns.
func (p *Pool) ApplyRoster(settings []config.PoolKind) {
	slots, unknown := buildRoster(settings)
	p.mu.Lock()
	p.roster = slots
	if p.next >= len(slots) {
		p.next = 0
	}
	p.mu.Unlock()

	for _, name := range unknown {
		logging.WarnWithContext(p.logger, "unknown worker kind ignored", "pool_roster",
			logging.WorkerKind(name),
			logging.String(logging.FieldErrorHint, "use one of claude-1, claude-2, codex, gemini"),
			logging.String(logging.FieldImpact, "kind is not spawned"),
		)
	}
	enabled := 0
	for _, slot := range slots {
		if slot.enabled {
			enabled++
		}
	}
	p.logger.Info("worker roster applied", logging.Int("enabled_kinds", enabled))
}

// KindBinary names the executable an enabled roster entry launches.
type KindBinary struct {
	Kind   Kind
	Binary string
}

// EnabledBinaries resolves the executable of every enabled kind in rotation order.
func EnabledBinaries(settings []config.PoolKind) []KindBinary {
	slots, _ := buildRoster(settings)
	out := make([]KindBinary, 0, len(slots))
	for _, slot := range slots {
		if !slot.enabled {
			continue
		}
		binary, _ := slot.kind.BuildCommand(claims.Claim{})
		out = append(out, KindBinary{Kind: slot.kind.Key(), Binary: binary})
	}
	return out
}
