// Package store keeps the operator's TD and GitHub credentials and the last
// known TD connectivity result across process restarts.
//
// Stored credentials are only obfuscated (Base64 over UTF-8 JSON), not
// encrypted. Anyone who can read the workspace database can recover the
// tokens; protect the workspace accordingly.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tdva/internal/domain"
)

const (
	TDKey         = "td_credentials"
	GitHubKey     = "github_credentials"
	ConnectionKey = "td_connection_status"
)

// KV is the persistence port the store writes through.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Snapshot is the store state handed to subscribers.
type Snapshot struct {
	TD        *domain.TDCredentials
	GitHub    *domain.GitHubCredentials
	Connected bool
}

// Store is the single source of truth for credentials. It is safe for
// concurrent use; writes are last-write-wins.
type Store struct {
	kv  KV
	log *slog.Logger

	mu        sync.RWMutex
	td        *domain.TDCredentials
	github    *domain.GitHubCredentials
	connected bool

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Snapshot)
}

var errMalformed = errors.New("malformed credentials record")

// Open loads persisted state. Malformed records are dropped and purged; they
// never surface as an error. Only a failing KV read is returned.
func Open(ctx context.Context, kv KV, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{kv: kv, log: logger, subs: map[int]func(Snapshot){}}

	raw, ok, err := kv.Get(ctx, TDKey)
	if err != nil {
		return nil, fmt.Errorf("read td credentials: %w", err)
	}
	if ok {
		td, err := decodeTD(raw)
		if err != nil {
			logger.Warn("discarding stored td credentials", "error", err)
			if err := kv.Delete(ctx, TDKey, ConnectionKey); err != nil {
				logger.Warn("purge td credentials", "error", err)
			}
		} else {
			s.td = td
		}
	}

	if s.td != nil {
		flag, ok, err := kv.Get(ctx, ConnectionKey)
		if err != nil {
			return nil, fmt.Errorf("read connection status: %w", err)
		}
		s.connected = ok && flag == "true"
	}

	raw, ok, err = kv.Get(ctx, GitHubKey)
	if err != nil {
		return nil, fmt.Errorf("read github credentials: %w", err)
	}
	if ok {
		gh, err := decodeGitHub(raw)
		if err != nil {
			logger.Warn("discarding stored github credentials", "error", err)
			if err := kv.Delete(ctx, GitHubKey); err != nil {
				logger.Warn("purge github credentials", "error", err)
			}
		} else {
			s.github = gh
		}
	}
	return s, nil
}

// Snapshot returns copies of the held credentials.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Connected: s.connected}
	if s.td != nil {
		td := *s.td
		snap.TD = &td
	}
	if s.github != nil {
		gh := *s.github
		snap.GitHub = &gh
	}
	return snap
}

// TD returns the TD credentials or nil.
func (s *Store) TD() *domain.TDCredentials { return s.Snapshot().TD }

// GitHub returns the GitHub credentials or nil.
func (s *Store) GitHub() *domain.GitHubCredentials { return s.Snapshot().GitHub }

// Connected mirrors the last successful TD connectivity test. It is not
// re-validated on load.
func (s *Store) Connected() bool { return s.Snapshot().Connected }

// SetTD stores credentials, or removes them when creds is nil.
func (s *Store) SetTD(ctx context.Context, creds *domain.TDCredentials) error {
	var err error
	s.mu.Lock()
	if creds == nil {
		s.td = nil
		err = s.kv.Delete(ctx, TDKey)
	} else {
		c := *creds
		s.td = &c
		var encoded string
		if encoded, err = Obfuscate(c); err == nil {
			err = s.kv.Set(ctx, TDKey, encoded)
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	if err != nil {
		return fmt.Errorf("persist td credentials: %w", err)
	}
	return nil
}

// SetGitHub stores credentials, or removes them when creds is nil.
func (s *Store) SetGitHub(ctx context.Context, creds *domain.GitHubCredentials) error {
	var err error
	s.mu.Lock()
	if creds == nil {
		s.github = nil
		err = s.kv.Delete(ctx, GitHubKey)
	} else {
		c := *creds
		s.github = &c
		var encoded string
		if encoded, err = Obfuscate(c); err == nil {
			err = s.kv.Set(ctx, GitHubKey, encoded)
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	if err != nil {
		return fmt.Errorf("persist github credentials: %w", err)
	}
	return nil
}

// SetConnected records the outcome of the last TD connectivity test.
func (s *Store) SetConnected(ctx context.Context, connected bool) error {
	var err error
	s.mu.Lock()
	s.connected = connected
	if connected {
		err = s.kv.Set(ctx, ConnectionKey, "true")
	} else {
		err = s.kv.Delete(ctx, ConnectionKey)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	if err != nil {
		return fmt.Errorf("persist connection status: %w", err)
	}
	return nil
}

// Clear removes TD credentials and the connectivity flag together.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.td = nil
	s.connected = false
	err := s.kv.Delete(ctx, TDKey, ConnectionKey)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	if err != nil {
		return fmt.Errorf("clear td credentials: %w", err)
	}
	return nil
}

// ClearGitHub removes the GitHub credentials.
func (s *Store) ClearGitHub(ctx context.Context) error {
	return s.SetGitHub(ctx, nil)
}

// Subscribe registers fn to receive a snapshot after every mutation. The
// returned function unregisters it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(snap Snapshot) {
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Obfuscate encodes v as Base64 over its UTF-8 JSON form. It is reversible
// by anyone and provides no confidentiality.
func Obfuscate(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Deobfuscate reverses Obfuscate into raw JSON.
func Deobfuscate(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return data, nil
}

func decodeTD(encoded string) (*domain.TDCredentials, error) {
	data, err := Deobfuscate(encoded)
	if err != nil {
		return nil, err
	}
	if err := requireStrings(data, "apiKey", "region"); err != nil {
		return nil, err
	}
	var creds domain.TDCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return &creds, nil
}

func decodeGitHub(encoded string) (*domain.GitHubCredentials, error) {
	data, err := Deobfuscate(encoded)
	if err != nil {
		return nil, err
	}
	if err := requireStrings(data, "personalAccessToken"); err != nil {
		return nil, err
	}
	var creds domain.GitHubCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return &creds, nil
}

// requireStrings checks that data is a JSON object whose fields are present
// and hold strings.
func requireStrings(data []byte, fields ...string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if obj == nil {
		return fmt.Errorf("%w: not an object", errMalformed)
	}
	for _, f := range fields {
		raw, ok := obj[f]
		if !ok {
			return fmt.Errorf("%w: missing %s", errMalformed, f)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: %s is not a string", errMalformed, f)
		}
	}
	return nil
}
