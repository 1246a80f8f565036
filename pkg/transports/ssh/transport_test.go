package ssh

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    Source
		wantErr bool
	}{
		{
			name: "host and path",
			uri:  "sftp://files.example.com/srv/motd",
			want: Source{Host: "files.example.com", Port: 22, Path: "/srv/motd"},
		},
		{
			name: "user and port",
			uri:  "sftp://deploy@10.0.0.5:2222/srv/conf.d",
			want: Source{User: "deploy", Host: "10.0.0.5", Port: 2222, Path: "/srv/conf.d"},
		},
		{name: "wrong scheme", uri: "https://example.com/x", wantErr: true},
		{name: "no host", uri: "sftp:///srv/motd", wantErr: true},
		{name: "no path", uri: "sftp://example.com", wantErr: true},
		{name: "bad port", uri: "sftp://example.com:99999/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSource(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.uri {
				t.Errorf("String() = %q, want %q", got.String(), tt.uri)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	temp := &TransportError{Op: "connect", Err: errors.New("refused"), IsTemporary: true}
	perm := &TransportError{Op: "download", Err: errors.New("denied")}

	if !isTemporary(fmt.Errorf("wrapped: %w", temp)) {
		t.Error("wrapped temporary error not detected")
	}
	if isTemporary(perm) {
		t.Error("permanent error reported as temporary")
	}
	if isTemporary(errors.New("plain")) {
		t.Error("plain error reported as temporary")
	}
	if temp.Error() != "connect: refused" {
		t.Errorf("Error() = %q", temp.Error())
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "password", mutate: func(c *Config) { c.Password = "secret" }},
		{name: "no host", mutate: func(c *Config) { c.Password = "secret"; c.Host = "" }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Password = "secret"; c.Port = 0 }, wantErr: true},
		{name: "no user", mutate: func(c *Config) { c.Password = "secret"; c.User = "" }, wantErr: true},
		{name: "no credentials", mutate: func(c *Config) {}, wantErr: true},
		{name: "missing key", mutate: func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" }, wantErr: true},
		{name: "no timeout", mutate: func(c *Config) { c.Password = "secret"; c.ConnectionTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("example.com", "deploy")
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Address(t *testing.T) {
	cfg := DefaultConfig("::1", "deploy")
	if got := cfg.Address(); got != "[::1]:22" {
		t.Errorf("Address() = %q", got)
	}
}
