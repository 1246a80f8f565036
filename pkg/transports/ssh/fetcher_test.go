package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/engine"
)

// testSFTPServer is a minimal SSH server that only offers the sftp subsystem.
type testSFTPServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	port     int
	done     chan struct{}
}

func newTestSFTPServer(t *testing.T) *testSFTPServer {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "tester" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSFTPServer{
		listener: listener,
		config:   config,
		port:     listener.Addr().(*net.TCPAddr).Port,
		done:     make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *testSFTPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSFTPServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSFTPServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type == "subsystem" && string(req.Payload[4:]) == "sftp" {
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (s *testSFTPServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSFTPServer) uri(path string) string {
	return fmt.Sprintf("sftp://127.0.0.1:%d%s", s.port, filepath.ToSlash(path))
}

func newTestFetcher(t *testing.T, password string) (*Fetcher, *int32) {
	t.Helper()

	f, err := NewFetcher(FetcherConfig{
		User:     "tester",
		Password: password,
		Timeout:  5 * time.Second,
		CacheDir: t.TempDir(),
		Attempts: 2,
		Delay:    time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFetcher() error = %v", err)
	}

	var dials int32
	f.dial = func(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
		atomic.AddInt32(&dials, 1)
		return Dial(ctx, cfg, logger)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f, &dials
}

func writeRemote(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}

func readLocal(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestFetcher_File(t *testing.T) {
	server := newTestSFTPServer(t)
	f, dials := newTestFetcher(t, "secret")

	remote := filepath.Join(t.TempDir(), "motd")
	writeRemote(t, remote, "welcome\n")

	local, err := f.Fetch(context.Background(), server.uri(remote))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := readLocal(t, local); got != "welcome\n" {
		t.Errorf("content = %q", got)
	}
	info, err := os.Stat(local)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %04o, want 0640", info.Mode().Perm())
	}

	// cached until Reset
	writeRemote(t, remote, "changed\n")
	again, err := f.Fetch(context.Background(), server.uri(remote))
	if err != nil {
		t.Fatalf("second Fetch() error = %v", err)
	}
	if again != local || readLocal(t, again) != "welcome\n" {
		t.Errorf("second fetch was not served from cache")
	}

	f.Reset()
	if _, err := f.Fetch(context.Background(), server.uri(remote)); err != nil {
		t.Fatalf("Fetch() after Reset error = %v", err)
	}
	if got := readLocal(t, local); got != "changed\n" {
		t.Errorf("content after Reset = %q", got)
	}

	if n := atomic.LoadInt32(dials); n != 1 {
		t.Errorf("dialled %d times, want 1", n)
	}
}

func TestFetcher_Directory(t *testing.T) {
	server := newTestSFTPServer(t)
	f, _ := newTestFetcher(t, "secret")

	root := filepath.Join(t.TempDir(), "conf.d")
	writeRemote(t, filepath.Join(root, "a.conf"), "a")
	writeRemote(t, filepath.Join(root, "sub", "b.conf"), "b")

	local, err := f.Fetch(context.Background(), server.uri(root))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := readLocal(t, filepath.Join(local, "a.conf")); got != "a" {
		t.Errorf("a.conf = %q", got)
	}
	if got := readLocal(t, filepath.Join(local, "sub", "b.conf")); got != "b" {
		t.Errorf("sub/b.conf = %q", got)
	}

	// a removed remote entry disappears from the cache on the next fetch
	if err := os.Remove(filepath.Join(root, "a.conf")); err != nil {
		t.Fatal(err)
	}
	f.Reset()
	if _, err := f.Fetch(context.Background(), server.uri(root)); err != nil {
		t.Fatalf("Fetch() after Reset error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(local, "a.conf")); !os.IsNotExist(err) {
		t.Errorf("stale entry kept in cache: %v", err)
	}
}

func TestFetcher_Missing(t *testing.T) {
	server := newTestSFTPServer(t)
	f, _ := newTestFetcher(t, "secret")

	_, err := f.Fetch(context.Background(), server.uri(filepath.Join(t.TempDir(), "absent")))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
	if !engine.IsConfigurationError(err) || !engine.HasCode(err, engine.ErrCodeSourceMissing) {
		t.Errorf("got %v, want SOURCE_MISSING configuration error", err)
	}
}

func TestFetcher_BadCredentials(t *testing.T) {
	server := newTestSFTPServer(t)
	f, dials := newTestFetcher(t, "wrong")

	_, err := f.Fetch(context.Background(), server.uri("/etc/hostname"))
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if !engine.IsTransientError(err) {
		t.Errorf("got %v, want transient error", err)
	}
	if n := atomic.LoadInt32(dials); n != 2 {
		t.Errorf("dialled %d times, want 2", n)
	}
}

func TestFetcher_InvalidURI(t *testing.T) {
	f, dials := newTestFetcher(t, "secret")

	_, err := f.Fetch(context.Background(), "ftp://example.com/x")
	if !engine.IsConfigurationError(err) {
		t.Errorf("got %v, want configuration error", err)
	}
	if n := atomic.LoadInt32(dials); n != 0 {
		t.Errorf("dialled %d times, want 0", n)
	}
}
