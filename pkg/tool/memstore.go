package tool

import (
	"context"
	"sync"
)

// MemoryStore is a process-local implementation of every store interface.
// It is the default when no store is supplied, and what the tests use.
type MemoryStore struct {
	mu            sync.RWMutex
	platforms     map[string]Platform     // issuer -> platform
	keys          map[string]KeyPair      // kid -> pair
	idTokens      map[string]IDToken      // iss|dep|user
	contextTokens map[string]ContextToken // contextID|user
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		platforms:     make(map[string]Platform),
		keys:          make(map[string]KeyPair),
		idTokens:      make(map[string]IDToken),
		contextTokens: make(map[string]ContextToken),
	}
}

func sessionKey(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

func (s *MemoryStore) PutPlatform(_ context.Context, p Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platforms[p.Issuer] = p
	return nil
}

func (s *MemoryStore) PlatformByIssuer(_ context.Context, issuer string) (Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.platforms[issuer]
	if !ok {
		return Platform{}, ErrPlatformNotFound
	}
	return p, nil
}

func (s *MemoryStore) Platforms(_ context.Context) ([]Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Platform, 0, len(s.platforms))
	for _, p := range s.platforms {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) DeletePlatform(_ context.Context, issuer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.platforms, issuer)
	return nil
}

func (s *MemoryStore) PutKeyPair(_ context.Context, kp KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kp.KID] = kp
	return nil
}

func (s *MemoryStore) KeyPair(_ context.Context, kid string) (KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keys[kid]
	if !ok {
		return KeyPair{}, ErrKeyNotFound
	}
	return kp, nil
}

func (s *MemoryStore) PublicKeys(_ context.Context) ([]KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyPair, 0, len(s.keys))
	for _, kp := range s.keys {
		out = append(out, kp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteKeyPair(_ context.Context, kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, kid)
	return nil
}

func (s *MemoryStore) PutIDToken(_ context.Context, t IDToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idTokens[sessionKey(t.Issuer, t.DeploymentID, t.User)] = t
	return nil
}

func (s *MemoryStore) IDToken(_ context.Context, issuer, deploymentID, user string) (IDToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.idTokens[sessionKey(issuer, deploymentID, user)]
	if !ok {
		return IDToken{}, ErrTokenNotFound
	}
	return t, nil
}

func (s *MemoryStore) PutContextToken(_ context.Context, t ContextToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextTokens[sessionKey(t.ContextID, t.User)] = t
	return nil
}

func (s *MemoryStore) ContextToken(_ context.Context, contextID, user string) (ContextToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.contextTokens[sessionKey(contextID, user)]
	if !ok {
		return ContextToken{}, ErrTokenNotFound
	}
	return t, nil
}

func (s *MemoryStore) SetContextPath(_ context.Context, contextID, user, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey(contextID, user)
	t, ok := s.contextTokens[k]
	if !ok {
		return ErrTokenNotFound
	}
	t.Path = path
	s.contextTokens[k] = t
	return nil
}
