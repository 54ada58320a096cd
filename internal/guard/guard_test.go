package guard

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/process"
)

func mustDefault(t *testing.T) *Policy {
	t.Helper()
	p, err := DefaultPolicy()
	if err != nil {
		t.Fatalf("DefaultPolicy: %v", err)
	}
	return p
}

func TestHostProfile(t *testing.T) {
	p := mustDefault(t)

	tests := []struct {
		command string
		allowed bool
		rule    string
	}{
		{"ls -la", true, ""},
		{"npm install express", true, ""},
		{"cat package.json | grep name", true, ""},
		{"node --version && npm --version", true, ""},
		{"echo hi > /dev/null", true, ""},
		{"ls /tmp/cache", true, ""},
		{"cd /tmp", false, "directory-change"},
		{"ls; cd src", false, "directory-change"},
		{"env cd src", false, "directory-change"},
		{"ls | xargs cd", false, "directory-change"},
		{"echo cd", false, "directory-change"},
		{"cat cd.txt", true, ""},
		{`find . -exec sh -c 'echo pwned' \;`, false, "find-exec"},
		{"find . -name '*.js' -execdir rm {} +", false, "find-exec"},
		{"find . -name '*.js'", true, ""},
		{"env sh -c id", false, "not-allowed"},
		{"ls | xargs rm", false, "not-allowed"},
		{"tar -xf a.tar --to-command=sh", false, "launcher-option"},
		{`awk 'BEGIN { system("id") }'`, false, "launcher-option"},
		{"cat ../other/secret", false, "parent-reference"},
		{"ls ~", false, "home-reference"},
		{"cat $HOME/.bashrc", false, "home-reference"},
		{"echo $(whoami)", false, "command-substitution"},
		{"echo `id`", false, "command-substitution"},
		{"echo x > /dev/sda", false, "device-redirect"},
		{"rm -rf /", false, "recursive-delete-absolute"},
		{"rm -r -f /srv", false, "recursive-delete-absolute"},
		{"cat /etc/passwd", false, "credential-access"},
		{"node -e 'process.exit(1)'", false, "interpreter-eval"},
		{"curl http://example.com", false, "not-allowed"},
		{"ls && bash", false, "not-allowed"},
		{"ls /etc", false, "absolute-path"},
		{"cp a.txt /srv/b.txt", false, "absolute-path"},
		{"   ", false, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			v := p.Host.Check(tt.command)
			if v.Allowed != tt.allowed {
				t.Fatalf("Check(%q).Allowed = %v (rule %s), want %v", tt.command, v.Allowed, v.Rule, tt.allowed)
			}
			if !tt.allowed && v.Rule != tt.rule {
				t.Errorf("rule = %q, want %q", v.Rule, tt.rule)
			}
		})
	}
}

func TestContainerProfile(t *testing.T) {
	p := mustDefault(t)

	tests := []struct {
		command string
		allowed bool
	}{
		{"ls -la /", true},
		{"cd /app && npm test", true},
		{"curl -s localhost:4000/health", true},
		{"sudo ls", false},
		{"apk add curl", false},
		{"apt-get update", false},
		{"mount -t tmpfs none /mnt", false},
		{"reboot", false},
		{"echo 1 > /proc/sys/kernel/panic", false},
		{"cat /etc/shadow", false},
		{"ls /var/run/docker.sock", false},
		{"ls /sys/fs", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			v := p.Container.Check(tt.command)
			if v.Allowed != tt.allowed {
				t.Errorf("Check(%q).Allowed = %v (rule %s), want %v", tt.command, v.Allowed, v.Rule, tt.allowed)
			}
		})
	}
}

func TestParsePolicyOverride(t *testing.T) {
	p, err := ParsePolicy([]byte(`
host:
  allow: [echo]
  deny:
    - name: no-secret
      pattern: secret
container:
  deny: []
`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if v := p.Host.Check("ls"); v.Allowed {
		t.Error("ls allowed by override that only allows echo")
	}
	if v := p.Host.Check("echo secret"); v.Allowed || v.Rule != "no-secret" {
		t.Errorf("verdict = %+v", v)
	}
	if v := p.Container.Check("sudo anything"); !v.Allowed {
		t.Error("empty container profile should allow everything")
	}
}

func TestParsePolicyBadPattern(t *testing.T) {
	_, err := ParsePolicy([]byte("host:\n  deny:\n    - name: bad\n      pattern: '('\n"))
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func hostInvocation(dir, command string) process.Invocation {
	return process.Invocation{Argv: []string{"sh", "-c", command}, Dir: dir}
}

func TestRunAllowed(t *testing.T) {
	e := NewExecutor(mustDefault(t), 5*time.Second, 0, zap.NewNop())
	dir := t.TempDir()

	res, err := e.Run(context.Background(), ProfileHost, "echo hello && ls", hostInvocation(dir, "echo hello && ls"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rejected || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunHidesServiceEnvironment(t *testing.T) {
	t.Setenv("PANELD_SECRET", "s3cr3t-shared")
	t.Setenv("DATABASE_URL", "postgres://paneld@db/paneld")
	e := NewExecutor(mustDefault(t), 5*time.Second, 0, zap.NewNop())
	dir := t.TempDir()

	res, err := e.Run(context.Background(), ProfileContainer, "env", hostInvocation(dir, "env"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rejected || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if strings.Contains(res.Stdout, "PANELD_SECRET") || strings.Contains(res.Stdout, "DATABASE_URL") {
		t.Errorf("service settings visible to panel command:\n%s", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "HOME="+dir) {
		t.Errorf("HOME not set to panel root:\n%s", res.Stdout)
	}
}

func TestRunRejectedNeverExecutes(t *testing.T) {
	e := NewExecutor(mustDefault(t), 5*time.Second, 0, zap.NewNop())
	dir := t.TempDir()
	cmd := "cd .. ; touch escaped"

	res, err := e.Run(context.Background(), ProfileHost, cmd, hostInvocation(dir, cmd))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Rejected || res.Reason == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	e := NewExecutor(mustDefault(t), 5*time.Second, 0, zap.NewNop())
	cmd := "ls does-not-exist"
	res, err := e.Run(context.Background(), ProfileHost, cmd, hostInvocation(t.TempDir(), cmd))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rejected || res.ExitCode == 0 || res.Stderr == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunTimeout(t *testing.T) {
	// Container profile is deny-only, so sleep is allowed.
	e := NewExecutor(mustDefault(t), 200*time.Millisecond, 0, zap.NewNop())
	cmd := "sleep 10"
	start := time.Now()
	res, err := e.Run(context.Background(), ProfileContainer, cmd, hostInvocation(t.TempDir(), cmd))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Errorf("result = %+v, want timed out", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the command promptly")
	}
}

func TestRunCapsOutput(t *testing.T) {
	e := NewExecutor(mustDefault(t), 5*time.Second, 64, zap.NewNop())
	cmd := "seq 1 1000"
	res, err := e.Run(context.Background(), ProfileContainer, cmd, hostInvocation(t.TempDir(), cmd))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) > 64 || !res.Truncated {
		t.Errorf("stdout len %d truncated=%v", len(res.Stdout), res.Truncated)
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Stdout), "1000") {
		t.Errorf("expected the newest output to be kept, got %q", res.Stdout)
	}
}

func TestUnknownProfile(t *testing.T) {
	e := NewExecutor(mustDefault(t), time.Second, 0, zap.NewNop())
	if _, err := e.Check("vm", "ls"); err == nil {
		t.Error("expected error for unknown profile")
	}
}
