package spawnpool

import (
	"fmt"
	"regexp"
	"strings"

	"stagehand/internal/claims"
)

// Kind is the stable key of a worker kind.
type Kind string

const (
	KindClaude1 Kind = "claude-1"
	KindClaude2 Kind = "claude-2"
	KindCodex   Kind = "codex"
	KindGemini  Kind = "gemini"
)

// WorkerKind builds the command line for one kind of worker.
type WorkerKind interface {
	Key() Kind
	Limit() int
	BuildCommand(claim claims.Claim) (string, []string)
}

const maxMessageLen = 500

// promptKind passes a full instruction prompt through a flag.
type promptKind struct {
	key    Kind
	binary string
	limit  int
	args   []string
}

func (k promptKind) Key() Kind  { return k.key }
func (k promptKind) Limit() int { return k.limit }

func (k promptKind) BuildCommand(claim claims.Claim) (string, []string) {
	args := append([]string{}, k.args...)
	return k.binary, append(args, buildPrompt(claim))
}

// messageKind passes a single flattened line.
type messageKind struct {
	key    Kind
	binary string
	limit  int
	args   []string
}

func (k messageKind) Key() Kind  { return k.key }
func (k messageKind) Limit() int { return k.limit }

func (k messageKind) BuildCommand(claim claims.Claim) (string, []string) {
	args := append([]string{}, k.args...)
	return k.binary, append(args, buildMessage(claim))
}

// builtinKind constructs the registered implementation for key.
func builtinKind(key Kind, binary string, limit int) (WorkerKind, bool) {
	switch key {
	case KindClaude1, KindClaude2:
		if binary == "" {
			binary = "claude"
		}
		return promptKind{key: key, binary: binary, limit: limit, args: []string{"--dangerously-skip-permissions", "-p"}}, true
	case KindCodex:
		if binary == "" {
			binary = "codex"
		}
		return messageKind{key: key, binary: binary, limit: limit, args: []string{"--yolo"}}, true
	case KindGemini:
		if binary == "" {
			binary = "gemini"
		}
		return messageKind{key: key, binary: binary, limit: limit, args: []string{"--yolo"}}, true
	default:
		return nil, false
	}
}

// BuiltinKinds lists the registered kinds in rotation order.
func BuiltinKinds() []Kind {
	return []Kind{KindClaude1, KindClaude2, KindCodex, KindGemini}
}

func reference(claim claims.Claim) string {
	prefix := "BTS"
	if claim.Type == "spec" {
		prefix = "SPEC"
	}
	return fmt.Sprintf("%s-%d", prefix, claim.ID)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func buildPrompt(claim claims.Claim) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work item %s (%s, %s)\n", reference(claim), strings.ToUpper(claim.Type), claim.Priority)
	fmt.Fprintf(&b, "Title: %s\n", strings.TrimSpace(claim.Title))
	if summary := strings.TrimSpace(claim.Summary); summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", truncate(summary, maxMessageLen))
	}
	b.WriteString("\nWhen the work is done, mark it resolved:\n")
	fmt.Fprintf(&b, "  stagehand workitems resolve %d \"<summary of the fix>\"\n", claim.ID)
	b.WriteString("\nReply with JSON: {\"success\": bool, \"summary\": string, \"files_modified\": [string], \"error\": string}\n")
	return b.String()
}

var (
	newlines   = regexp.MustCompile(`(\\n|[\r\n])+`)
	quotes     = regexp.MustCompile("[\"'`]")
	whitespace = regexp.MustCompile(`\s+`)
)

func buildMessage(claim claims.Claim) string {
	raw := reference(claim) + " " + strings.TrimSpace(claim.Title) + " " + claim.Summary
	msg := newlines.ReplaceAllString(raw, " ")
	msg = quotes.ReplaceAllString(msg, "")
	msg = whitespace.ReplaceAllString(msg, " ")
	return truncate(strings.TrimSpace(msg), maxMessageLen)
}
