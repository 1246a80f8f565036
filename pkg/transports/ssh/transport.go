// Package ssh fetches remote file sources over SFTP.
package ssh

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Source is a parsed sftp:// URI.
type Source struct {
	// User overrides the configured user when set.
	User string

	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port, 22 when the URI names none
	Port int

	// Path is the absolute remote path
	Path string
}

// ParseSource parses sftp://[user@]host[:port]/path.
func ParseSource(uri string) (Source, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Source{}, fmt.Errorf("invalid source uri: %w", err)
	}
	if u.Scheme != "sftp" {
		return Source{}, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Source{}, errors.New("source uri has no host")
	}
	if u.Path == "" || u.Path == "/" {
		return Source{}, errors.New("source uri has no path")
	}

	src := Source{
		Host: u.Hostname(),
		Port: 22,
		Path: u.Path,
	}
	if u.User != nil {
		src.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Source{}, fmt.Errorf("invalid port %q", p)
		}
		src.Port = port
	}
	return src, nil
}

// String renders the source back as a URI.
func (s Source) String() string {
	var b strings.Builder
	b.WriteString("sftp://")
	if s.User != "" {
		b.WriteString(s.User)
		b.WriteByte('@')
	}
	b.WriteString(s.Host)
	if s.Port != 22 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(s.Port))
	}
	b.WriteString(s.Path)
	return b.String()
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "download")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// isTemporary reports whether err is a retryable transport error.
func isTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
