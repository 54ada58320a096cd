// Package guard decides whether a panel command may run and runs the ones that
// may with a deadline and bounded output.
package guard

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/paneld/paneld/internal/errkind"
)

// Profile names. They match the sandbox tier names.
const (
	ProfileHost      = "host"
	ProfileContainer = "container"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Rule is a named deny pattern.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`

	re *regexp.Regexp
}

// Profile is the rule set for one tier. An empty Allow list disables the
// leading-token and absolute-path checks, leaving only Deny.
type Profile struct {
	Allow        []string `yaml:"allow"`
	AllowedPaths []string `yaml:"allowedPaths"`
	Deny         []Rule   `yaml:"deny"`

	allow map[string]bool
}

// Policy holds both profiles.
type Policy struct {
	Host      Profile `yaml:"host"`
	Container Profile `yaml:"container"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(defaultPolicy)
}

// LoadPolicy reads a policy file. An empty path yields the built-in policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and compiles a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Host.compile(); err != nil {
		return nil, fmt.Errorf("host profile: %w", err)
	}
	if err := p.Container.compile(); err != nil {
		return nil, fmt.Errorf("container profile: %w", err)
	}
	return &p, nil
}

func (p *Profile) compile() error {
	p.allow = make(map[string]bool, len(p.Allow))
	for _, name := range p.Allow {
		p.allow[name] = true
	}
	for i := range p.Deny {
		r := &p.Deny[i]
		if r.Name == "" {
			return fmt.Errorf("deny rule %d has no name", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("deny rule %s: %w", r.Name, err)
		}
		r.re = re
		if r.Reason == "" {
			r.Reason = "matches " + r.Name
		}
	}
	return nil
}

// Profile returns the rule set by name.
func (p *Policy) Profile(name string) (*Profile, error) {
	switch name {
	case ProfileHost:
		return &p.Host, nil
	case ProfileContainer:
		return &p.Container, nil
	default:
		return nil, errkind.Errorf(errkind.Invalid, "unknown command profile %q", name)
	}
}

// Verdict is the outcome of a policy check.
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
}

func deny(rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

var segmentSep = regexp.MustCompile(`\|\||&&|[;|&\n]`)

// Check evaluates command against the profile.
func (p *Profile) Check(command string) Verdict {
	if strings.TrimSpace(command) == "" {
		return deny("empty", "command is empty")
	}
	for _, r := range p.Deny {
		if r.re.MatchString(command) {
			return deny(r.Name, r.Reason)
		}
	}
	if len(p.allow) == 0 {
		return Verdict{Allowed: true}
	}

	for _, seg := range segmentSep.Split(command, -1) {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if !p.allow[fields[0]] {
			return deny("not-allowed", fmt.Sprintf("%q is not an allowed command", fields[0]))
		}
	}
	for _, tok := range strings.Fields(command) {
		path := pathOperand(tok)
		if path == "" || !strings.HasPrefix(path, "/") {
			continue
		}
		if !p.pathAllowed(path) {
			return deny("absolute-path", fmt.Sprintf("absolute path %s is outside the panel", path))
		}
	}
	return Verdict{Allowed: true}
}

// pathOperand strips redirections, quotes and flag prefixes from a token.
func pathOperand(tok string) string {
	tok = strings.TrimLeft(tok, "0123456789&<>")
	if i := strings.Index(tok, "="); i >= 0 {
		tok = tok[i+1:]
	}
	return strings.Trim(tok, `'"`)
}

func (p *Profile) pathAllowed(path string) bool {
	for _, allowed := range p.AllowedPaths {
		if path == allowed || strings.HasPrefix(path, strings.TrimSuffix(allowed, "/")+"/") {
			return true
		}
	}
	return false
}
