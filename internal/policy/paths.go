package policy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bastionhq/bastion/internal/capability"
)

// pathCapabilities are the capabilities whose target is a filesystem path.
var pathCapabilities = map[capability.Capability]bool{
	capability.CapFileRead:   true,
	capability.CapFileWrite:  true,
	capability.CapFileDelete: true,
	capability.CapRepoMutate: true,
}

// maxDecodePasses bounds percent-decoding so double-encoded traversal
// sequences (%252e%252e) are unmasked but a decode loop cannot run forever.
const maxDecodePasses = 3

// CanonicalTarget normalizes a path target: percent-decoding (repeated, to
// defeat double encoding), relative-to-workspace resolution, lexical
// cleaning and best-effort symlink resolution. The result is an absolute
// path with no "." or ".." components.
func CanonicalTarget(target, workspaceRoot string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("empty target")
	}

	decoded := target
	for i := 0; i < maxDecodePasses; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil {
			// A percent sign that is not an escape sequence is fine;
			// stop decoding and use what we have.
			break
		}
		if next == decoded {
			break
		}
		decoded = next
	}

	if !filepath.IsAbs(decoded) {
		decoded = filepath.Join(workspaceRoot, decoded)
	}
	canon := filepath.Clean(decoded)

	// Resolve symlinks on the longest existing ancestor so a link inside the
	// workspace cannot smuggle the path outside it. Nonexistent suffixes are
	// re-appended lexically (the file may not exist yet for writes).
	resolved, err := resolveExisting(canon)
	if err == nil {
		canon = resolved
	}

	return canon, nil
}

func resolveExisting(path string) (string, error) {
	remainder := ""
	cur := path
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, remainder), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

// withinRoot reports whether canon is root itself or a proper descendant.
// The separator check prevents /workspace2 matching root /workspace.
func withinRoot(canon, root string) bool {
	root = filepath.Clean(root)
	return canon == root || strings.HasPrefix(canon, root+string(filepath.Separator))
}

// TraversalGate canonicalizes path targets and rejects any canonical path
// that escapes the declared workspace root. Encoded and double-encoded
// traversal sequences are decoded before comparison.
type TraversalGate struct{}

func NewTraversalGate() *TraversalGate { return &TraversalGate{} }

func (g *TraversalGate) Name() string { return "path_traversal" }

func (g *TraversalGate) Check(intent capability.ActionIntent, cfg *Config) *Violation {
	if !pathCapabilities[intent.Capability] {
		return nil
	}
	canon, err := CanonicalTarget(intent.Target, cfg.WorkspaceRoot)
	if err != nil {
		return &Violation{Rule: g.Name(), Detail: fmt.Sprintf("cannot canonicalize target: %v", err)}
	}
	if !withinRoot(canon, cfg.WorkspaceRoot) {
		return &Violation{
			Rule:   g.Name(),
			Detail: fmt.Sprintf("canonical path %s escapes workspace", canon),
		}
	}
	return nil
}

// WorkspaceGate re-validates the workspace boundary on the canonical path.
// Intentionally overlaps TraversalGate: the boundary rule stays enforced
// even if the gate chain is reconfigured and the traversal gate removed.
type WorkspaceGate struct{}

func NewWorkspaceGate() *WorkspaceGate { return &WorkspaceGate{} }

func (g *WorkspaceGate) Name() string { return "workspace_boundary" }

func (g *WorkspaceGate) Check(intent capability.ActionIntent, cfg *Config) *Violation {
	if !pathCapabilities[intent.Capability] {
		return nil
	}
	canon, err := CanonicalTarget(intent.Target, cfg.WorkspaceRoot)
	if err != nil {
		return &Violation{Rule: g.Name(), Detail: fmt.Sprintf("cannot canonicalize target: %v", err)}
	}
	root := filepath.Clean(cfg.WorkspaceRoot)
	if canon != root && !strings.HasPrefix(canon, root+string(filepath.Separator)) {
		return &Violation{
			Rule:   g.Name(),
			Detail: fmt.Sprintf("target %s outside workspace root %s", canon, root),
		}
	}
	return nil
}

// SensitivePathGate blocks credential-shaped paths regardless of workspace
// membership: a .env inside the workspace is still off limits.
type SensitivePathGate struct{}

func NewSensitivePathGate() *SensitivePathGate { return &SensitivePathGate{} }

func (g *SensitivePathGate) Name() string { return "sensitive_path" }

func (g *SensitivePathGate) Check(intent capability.ActionIntent, cfg *Config) *Violation {
	if !pathCapabilities[intent.Capability] {
		return nil
	}
	canon, err := CanonicalTarget(intent.Target, cfg.WorkspaceRoot)
	if err != nil {
		return &Violation{Rule: g.Name(), Detail: fmt.Sprintf("cannot canonicalize target: %v", err)}
	}

	// Every path segment is checked, so .ssh/authorized_keys is caught by
	// the ".ssh" pattern even though the basename differs.
	for _, segment := range strings.Split(canon, string(filepath.Separator)) {
		if segment == "" {
			continue
		}
		for _, pattern := range cfg.SensitivePatterns {
			ok, matchErr := filepath.Match(pattern, segment)
			if matchErr != nil {
				// Malformed pattern: fail closed rather than silently skip.
				return &Violation{
					Rule:   g.Name(),
					Detail: fmt.Sprintf("malformed sensitive pattern %q", pattern),
				}
			}
			if ok {
				return &Violation{
					Rule:   g.Name(),
					Detail: fmt.Sprintf("segment %q matches sensitive pattern %q", segment, pattern),
				}
			}
		}
	}
	return nil
}
