package objectstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/jlaffaye/ftp"
)

// FtpConfig holds the fields the TOML config's Ftp storage entry carries.
type FtpConfig struct {
	Endpoint      string
	Root          string
	Username      string
	Password      string
	AllowInsecure bool
}

// FtpStore writes WAL segments and snapshots over FTP/FTPS. Unlike the
// other backends, the underlying client is a single stateful connection
// rather than a stateless HTTP client, so every call is serialized behind
// a mutex and reconnects lazily if the control connection dropped.
type FtpStore struct {
	cfg  FtpConfig
	mu   sync.Mutex
	conn *ftp.ServerConn
}

// NewFtpStore constructs an FtpStore from cfg. The control connection is
// established lazily on first use, matching every other backend's
// "construct cheaply, fail on first real operation" contract.
func NewFtpStore(cfg FtpConfig) (*FtpStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ftp store: empty endpoint")
	}
	return &FtpStore{cfg: cfg}, nil
}

func (s *FtpStore) Name() string { return "ftp" }

func (s *FtpStore) connect(ctx context.Context) (*ftp.ServerConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.NoOp(); err == nil {
			return s.conn, nil
		}
		s.conn.Quit()
		s.conn = nil
	}

	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if s.cfg.AllowInsecure {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{InsecureSkipVerify: true})) //nolint:gosec
	}

	conn, err := ftp.Dial(s.cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("ftp store: dial %s: %w", s.cfg.Endpoint, err)
	}

	if s.cfg.Username != "" {
		if err := conn.Login(s.cfg.Username, s.cfg.Password); err != nil {
			conn.Quit()
			return nil, fmt.Errorf("ftp store: login: %w", err)
		}
	}

	s.conn = conn
	return conn, nil
}

func (s *FtpStore) key(k string) string {
	if s.cfg.Root == "" {
		return k
	}
	return strings.TrimSuffix(s.cfg.Root, "/") + "/" + k
}

func (s *FtpStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := path.Dir(s.key(prefix))
	walker := conn.Walk(dir)

	var entries []Entry
	for walker.Next() {
		if walker.Stat().Type != ftp.EntryTypeFile {
			continue
		}
		key := strings.TrimPrefix(walker.Path(), s.cfg.Root+"/")
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entries = append(entries, Entry{
			Key:  key,
			Size: int64(walker.Stat().Size),
		})
	}
	if err := walker.Err(); err != nil {
		return nil, fmt.Errorf("ftp store: list %s: %w", prefix, err)
	}
	return entries, nil
}

func (s *FtpStore) Read(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := conn.Retr(s.key(key))
	if err != nil {
		return nil, fmt.Errorf("ftp store: retr %q: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ftp store: read %q: %w", key, err)
	}
	return data, nil
}

func (s *FtpStore) Write(ctx context.Context, key string, data []byte) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.key(key)
	if err := s.mkdirAllLocked(conn, path.Dir(target)); err != nil {
		return err
	}

	if err := conn.Stor(target, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("ftp store: stor %q: %w", key, err)
	}
	return nil
}

// mkdirAllLocked creates every path component of dir that does not yet
// exist. Called with s.mu already held.
func (s *FtpStore) mkdirAllLocked(conn *ftp.ServerConn, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	var built string
	for _, part := range strings.Split(dir, "/") {
		if part == "" {
			continue
		}
		built += "/" + part
		if err := conn.MakeDir(built); err != nil {
			// MakeDir on an existing directory returns an error on most
			// servers; there is no portable "already exists" code to
			// distinguish, so this is treated as advisory.
			continue
		}
	}
	return nil
}

// Close releases the control connection, if one was established.
func (s *FtpStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	return err
}
