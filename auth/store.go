package auth

import (
	"sync"
)

// Store owns the active credentials and endpoint. Readers always see a
// complete pair; Reresolve swaps both under the write lock.
type Store struct {
	mu         sync.RWMutex
	opts       Options
	creds      Credentials
	endpoint   Endpoint
	generation uint64
	resolve    func(Options) (Credentials, Endpoint, error)
}

// NewStore resolves credentials once and keeps them for the process lifetime
func NewStore(opts Options) (*Store, error) {
	return newStore(opts, Resolve)
}

func newStore(opts Options, resolve func(Options) (Credentials, Endpoint, error)) (*Store, error) {
	creds, endpoint, err := resolve(opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		opts:       opts,
		creds:      creds,
		endpoint:   endpoint,
		generation: 1,
		resolve:    resolve,
	}, nil
}

// Current returns the active credential pair and endpoint together
func (s *Store) Current() (Credentials, Endpoint) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.endpoint
}

// Generation increments on every successful re-resolution
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Reresolve runs resolution again, typically after the node rotated its
// cookie on restart. On failure the previous credentials stay active.
func (s *Store) Reresolve() error {
	creds, endpoint, err := s.resolve(s.opts)
	if err != nil {
		log.WithError(err).Warn("Re-resolving RPC credentials failed, keeping previous credentials")
		return err
	}

	s.mu.Lock()
	changed := creds != s.creds
	s.creds = creds
	s.endpoint = endpoint
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	log.WithField("generation", generation).WithField("changed", changed).
		Info("RPC credentials re-resolved")
	return nil
}
