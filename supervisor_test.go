package devsession

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func catPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available on PATH, skipping supervisor process test")
	}
	return path
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestSupervisorSpawnWiresStdinToStdout(t *testing.T) {
	cfg := &Config{HelperPath: catPath(t)}
	sup := newSupervisor(cfg, quietLogger())

	if err := sup.spawn(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer sup.Kill()

	if !sup.IsConnected() {
		t.Fatal("expected supervisor to report connected")
	}
	if sup.DeviceID() != "dev1" {
		t.Errorf("expected device id dev1, got %q", sup.DeviceID())
	}

	if _, err := sup.Stdin().Write([]byte("hello\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	reader := bufio.NewReader(sup.Stdout())
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if line != "hello\n" {
		t.Errorf("expected echoed line, got %q", line)
	}
}

func TestSupervisorKillTriggersExitNotification(t *testing.T) {
	cfg := &Config{HelperPath: catPath(t)}
	sup := newSupervisor(cfg, quietLogger())

	if err := sup.spawn(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	exitCh := sup.ExitNotifications()
	sup.Kill()

	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an exit notification after Kill")
	}

	if sup.IsConnected() {
		t.Error("expected supervisor to report disconnected after Kill")
	}
}

func TestSupervisorSpawnRejectsDoubleConnect(t *testing.T) {
	cfg := &Config{HelperPath: catPath(t)}
	sup := newSupervisor(cfg, quietLogger())

	if err := sup.spawn(context.Background(), "dev1", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer sup.Kill()

	if err := sup.spawn(context.Background(), "dev2", nil); err != ErrAlreadyConnected {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}
