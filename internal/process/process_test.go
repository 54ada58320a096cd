package process

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestInvocationCommand(t *testing.T) {
	inv := Invocation{Argv: []string{"sh", "-c", "true"}, Dir: "/tmp", Env: []string{"PORT=4000"}}
	cmd, err := inv.Command()
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if cmd.Dir != "/tmp" {
		t.Errorf("Dir = %q", cmd.Dir)
	}
	if got := cmd.Env[len(cmd.Env)-1]; got != "PORT=4000" {
		t.Errorf("last env = %q", got)
	}

	if _, err := (Invocation{}).Command(); err == nil {
		t.Error("expected error for empty invocation")
	}
}

func TestInvocationEnviron(t *testing.T) {
	t.Setenv("PANELD_SECRET", "shared")
	t.Setenv("DOCKER_HOST", "unix:///run/docker.sock")

	env := Invocation{Argv: []string{"node"}, Dir: "/srv/panels/p1", Env: []string{"PORT=4000"}}.Environ()
	joined := strings.Join(env, "\n")
	for _, leaked := range []string{"PANELD_SECRET", "DOCKER_HOST"} {
		if strings.Contains(joined, leaked) {
			t.Errorf("%s inherited:\n%s", leaked, joined)
		}
	}
	if !strings.Contains(joined, "HOME=/srv/panels/p1") || !strings.Contains(joined, "PATH=") {
		t.Errorf("env = %q", env)
	}

	env = Invocation{Argv: []string{"docker"}, Dir: "/srv/panels/p1", Inherit: EngineEnv}.Environ()
	joined = strings.Join(env, "\n")
	if !strings.Contains(joined, "DOCKER_HOST=unix:///run/docker.sock") {
		t.Errorf("engine env missing DOCKER_HOST: %q", env)
	}
	if strings.Contains(joined, "PANELD_SECRET") || strings.Contains(joined, "HOME=/srv/panels/p1") {
		t.Errorf("engine env = %q", env)
	}
}

func TestStartPTYEcho(t *testing.T) {
	p, err := StartPTY(Invocation{Argv: []string{"sh", "-c", "echo hello-pty"}}, 24, 80)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer p.Close()

	var out bytes.Buffer
	buf := make([]byte, 256)
	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "hello-pty") {
		select {
		case <-deadline:
			t.Fatalf("no output, got %q", out.String())
		default:
		}
		n, err := p.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(out.String(), "hello-pty") {
		t.Fatalf("output = %q", out.String())
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}
