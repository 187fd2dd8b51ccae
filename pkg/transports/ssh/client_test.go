package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoinfra/autoinfra/pkg/transports/ssh/sshtest"
)

func testClient(t *testing.T, srv *sshtest.Server) *Client {
	t.Helper()
	config := DefaultConfig(srv.Host, sshtest.User)
	config.Port = srv.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func echoServer(t *testing.T) *sshtest.Server {
	return sshtest.NewServer(t, func(cmd string, stdin []byte) ([]byte, []byte, uint32) {
		switch cmd {
		case "cat":
			return stdin, nil, 0
		case "fail":
			return nil, []byte("boom\n"), 3
		default:
			return []byte("ran " + cmd), nil, 0
		}
	})
}

func TestClientRun(t *testing.T) {
	client := testClient(t, echoServer(t))

	tests := []struct {
		name       string
		cmd        string
		stdin      []byte
		wantStdout string
		wantExit   int
	}{
		{"stdin echoed", "cat", []byte(`{"issue":"x"}`), `{"issue":"x"}`, 0},
		{"no stdin", "uptime", nil, "ran uptime", 0},
		{"non-zero exit", "fail", nil, "", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(context.Background(), tt.cmd, tt.stdin)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if string(result.Stdout) != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", result.Stdout, tt.wantStdout)
			}
			if result.ExitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d", result.ExitCode, tt.wantExit)
			}
		})
	}
}

func TestClientWriteFileAndRemove(t *testing.T) {
	client := testClient(t, echoServer(t))
	remote := filepath.ToSlash(filepath.Join(t.TempDir(), "prompts", "issue.txt"))

	if err := client.WriteFile(context.Background(), remote, []byte("fix it"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("uploaded file not found: %v", err)
	}
	if string(data) != "fix it" {
		t.Errorf("content = %q", data)
	}

	if err := client.Remove(context.Background(), remote); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(remote); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present after Remove: %v", err)
	}
	if err := client.Remove(context.Background(), remote); err != nil {
		t.Errorf("removing a missing file should succeed, got %v", err)
	}
}

func TestClientConnect_BadPassword(t *testing.T) {
	srv := echoServer(t)
	config := DefaultConfig(srv.Host, sshtest.User)
	config.Port = srv.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	err = client.Connect(context.Background())

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !terr.IsAuthError || terr.Temporary() {
		t.Errorf("auth failure should be permanent, got %+v", terr)
	}
}

func TestClientRun_NotConnected(t *testing.T) {
	config := DefaultConfig("127.0.0.1", sshtest.User)
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	_, err = client.Run(context.Background(), "true", nil)
	var terr *TransportError
	if !errors.As(err, &terr) || !terr.Temporary() {
		t.Errorf("expected temporary TransportError, got %v", err)
	}
}
