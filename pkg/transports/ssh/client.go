package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is one SSH connection with an SFTP session on top.
type Client struct {
	config      *Config
	ssh         *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	logger      zerolog.Logger
}

// Dial connects to the host in cfg and opens an SFTP session.
func Dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	logger = logger.With().Str("address", address).Logger()
	logger.Debug().Msg("Establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client: client, err: err}
	}()

	var sshClient *ssh.Client
	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case res := <-done:
		if res.err != nil {
			return nil, &TransportError{Op: "connect", Err: res.err, IsTemporary: true}
		}
		sshClient = res.client
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	logger.Info().Msg("SSH connection established")
	return &Client{
		config:      cfg,
		ssh:         sshClient,
		sftp:        sftpClient,
		connectedAt: time.Now(),
		logger:      logger,
	}, nil
}

// Close ends the SFTP session and the connection.
func (c *Client) Close() error {
	err := c.sftp.Close()
	if cerr := c.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

// Download copies the remote file or directory tree at remotePath to
// localPath, replacing whatever was there.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	info, err := c.sftp.Stat(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &TransportError{Op: "download", Err: fmt.Errorf("%s: %w", remotePath, os.ErrNotExist)}
		}
		return &TransportError{Op: "download", Err: err, IsTemporary: true}
	}

	if err := os.RemoveAll(localPath); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to clear cache entry: %w", err)}
	}

	if info.IsDir() {
		return c.downloadDirectory(ctx, remotePath, localPath)
	}
	return c.downloadFile(ctx, remotePath, localPath, info.Mode().Perm())
}

// downloadFile downloads a single file from the remote host.
func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string, perm os.FileMode) error {
	startTime := time.Now()

	remoteFile, err := c.sftp.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to create local directory: %w", err),
		}
	}

	localFile, err := atomicwriter.New(localPath, perm)
	if err != nil {
		return &TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to create local file: %w", err),
		}
	}

	written, err := copyWithContext(ctx, localFile, remoteFile)
	if cerr := localFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: ctx.Err() == nil,
		}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("File downloaded")

	return nil
}

// downloadDirectory recursively downloads a directory.
func (c *Client) downloadDirectory(ctx context.Context, remotePath, localPath string) error {
	walker := c.sftp.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &TransportError{
				Op:          "download-dir",
				Err:         fmt.Errorf("failed to walk remote directory: %w", err),
				IsTemporary: true,
			}
		}
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: "download-dir", Err: err}
		}

		rel, err := relRemote(remotePath, walker.Path())
		if err != nil {
			return &TransportError{Op: "download-dir", Err: err}
		}
		target := filepath.Join(localPath, filepath.FromSlash(rel))
		info := walker.Stat()

		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return &TransportError{Op: "download-dir", Err: fmt.Errorf("failed to create directory %s: %w", target, err)}
			}
		case info.Mode().IsRegular():
			if err := c.downloadFile(ctx, walker.Path(), target, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			c.logger.Debug().Str("remote", walker.Path()).Msg("Skipping non-regular entry")
		}
	}
	return nil
}

// relRemote returns p relative to root using slash-separated remote paths.
func relRemote(root, p string) (string, error) {
	root = path.Clean(root)
	p = path.Clean(p)
	if p == root {
		return ".", nil
	}
	prefix := root
	if prefix != "/" {
		prefix += "/"
	}
	if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
		return "", fmt.Errorf("%s is outside %s", p, root)
	}
	return p[len(prefix):], nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
