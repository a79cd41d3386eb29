package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bastionhq/bastion/internal/capability"
)

// DenylistGate rejects shell commands containing banned tokens. The command
// line is tokenized the way a shell would tokenize it, so quoting and
// escaping cannot hide a banned word. Matching is exact on the token or its
// path basename; substring matching is deliberately not offered because it
// is unsound ("confirm" would match a denylisted "rm").
type DenylistGate struct{}

func NewDenylistGate() *DenylistGate {
	return &DenylistGate{}
}

func (g *DenylistGate) Name() string { return "command_denylist" }

func (g *DenylistGate) Check(intent capability.ActionIntent, cfg *Config) *Violation {
	if intent.Capability != capability.CapShellExec {
		return nil
	}

	tokens, err := TokenizeCommand(intent.Target)
	if err != nil {
		// Unparseable command line: fail closed.
		return &Violation{
			Rule:   g.Name(),
			Detail: fmt.Sprintf("command line not tokenizable: %v", err),
		}
	}

	for _, tok := range tokens {
		for _, banned := range cfg.CommandDenylist {
			if tokenMatches(tok, banned) {
				return &Violation{
					Rule:   g.Name(),
					Detail: fmt.Sprintf("banned token %q", banned),
				}
			}
		}
	}
	return nil
}

// tokenMatches reports whether a shell token matches a denylist entry.
// An entry matches the whole token, the token's path basename (so
// /usr/bin/rm matches "rm"), or acts as a path prefix when it ends in "/".
func tokenMatches(token, entry string) bool {
	if token == entry {
		return true
	}
	if strings.HasSuffix(entry, "/") {
		return strings.HasPrefix(token, entry)
	}
	return filepath.Base(token) == entry
}

// TokenizeCommand splits a command line into words following POSIX shell
// quoting rules: single quotes preserve everything literally, double quotes
// preserve everything except backslash escapes, and an unquoted backslash
// escapes the next character. Operators that chain commands (;, |, &, &&,
// ||) are emitted as their own tokens so "x; rm -rf /" still exposes rm.
func TokenizeCommand(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	curStarted := false

	flush := func() {
		if curStarted {
			tokens = append(tokens, cur.String())
			cur.Reset()
			curStarted = false
		}
	}

	const (
		stNormal = iota
		stSingle
		stDouble
	)
	state := stNormal
	escaped := false

	for _, r := range line {
		switch state {
		case stSingle:
			if r == '\'' {
				state = stNormal
			} else {
				cur.WriteRune(r)
				curStarted = true
			}
		case stDouble:
			if escaped {
				cur.WriteRune(r)
				curStarted = true
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				state = stNormal
			} else {
				cur.WriteRune(r)
				curStarted = true
			}
		default:
			if escaped {
				cur.WriteRune(r)
				curStarted = true
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case '\'':
				state = stSingle
				curStarted = true
			case '"':
				state = stDouble
				curStarted = true
			case ' ', '\t', '\n':
				flush()
			case ';', '|', '&':
				flush()
				tokens = append(tokens, string(r))
			default:
				cur.WriteRune(r)
				curStarted = true
			}
		}
	}

	if state != stNormal {
		return nil, fmt.Errorf("unterminated quote")
	}
	if escaped {
		return nil, fmt.Errorf("trailing escape")
	}
	flush()
	return tokens, nil
}
