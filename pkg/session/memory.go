package session

import (
	"context"
	"sync"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// MemoryRefreshStore is a RefreshTokenStore held in process memory. It
// suits tests and single-instance deployments.
type MemoryRefreshStore struct {
	users UserDirectory
	opts  options

	mu     sync.Mutex
	byHash map[string]*RefreshToken
	byID   map[string]string
}

var _ RefreshTokenStore = (*MemoryRefreshStore)(nil)

func NewMemoryRefreshStore(users UserDirectory, opts ...Option) *MemoryRefreshStore {
	return &MemoryRefreshStore{
		users:  users,
		opts:   newOptions(opts),
		byHash: make(map[string]*RefreshToken),
		byID:   make(map[string]string),
	}
}

func (s *MemoryRefreshStore) Create(ctx context.Context, userID string, ttl time.Duration) (*RefreshToken, error) {
	tok, err := newToken(userID, s.opts.now(), ttl)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.FindUser(ctx, userID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(tok)
	return tok, nil
}

// put stores a copy of tok without its value. Callers hold mu.
func (s *MemoryRefreshStore) put(tok *RefreshToken) {
	stored := *tok
	stored.Value = ""
	s.byHash[tok.Hash] = &stored
	s.byID[tok.ID] = tok.Hash
}

func (s *MemoryRefreshStore) Lookup(_ context.Context, value string) (*RefreshToken, error) {
	hash, err := hashValue(value)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byHash[hash]
	if !ok {
		return nil, sserr.TokenNotFound()
	}
	if err := tok.check(s.opts.now()); err != nil {
		return nil, err
	}
	out := *tok
	return &out, nil
}

func (s *MemoryRefreshStore) Revoke(_ context.Context, value string) error {
	hash, err := hashValue(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byHash[hash]
	if !ok {
		return sserr.TokenNotFound()
	}
	tok.Revoked = true
	return nil
}

func (s *MemoryRefreshStore) RevokeID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.byID[id]
	if !ok {
		return sserr.TokenNotFound()
	}
	s.byHash[hash].Revoked = true
	return nil
}

func (s *MemoryRefreshStore) ListActive(_ context.Context, userID string) ([]RefreshToken, error) {
	now := s.opts.now()

	s.mu.Lock()
	var out []RefreshToken
	for _, tok := range s.byHash {
		if tok.UserID == userID && tok.Active(now) {
			out = append(out, *tok)
		}
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryRefreshStore) Rotate(_ context.Context, value string, ttl time.Duration) (*RefreshToken, error) {
	hash, err := hashValue(value)
	if err != nil {
		return nil, err
	}
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byHash[hash]
	if !ok {
		return nil, sserr.TokenNotFound()
	}
	if err := old.check(now); err != nil {
		return nil, err
	}
	next, err := newToken(old.UserID, now, ttl)
	if err != nil {
		return nil, err
	}
	old.Revoked = true
	old.ReplacedBy = next.ID
	s.put(next)
	return next, nil
}

func (s *MemoryRefreshStore) RevokeAll(_ context.Context, userID string) (int, error) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tok := range s.byHash {
		if tok.UserID == userID && tok.Active(now) {
			tok.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryRefreshStore) PurgeUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for hash, tok := range s.byHash {
		if tok.UserID == userID {
			delete(s.byHash, hash)
			delete(s.byID, tok.ID)
			n++
		}
	}
	return n, nil
}
