package model

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a username and password do not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// StaticUserAccount is a UserAccount held in memory.
type StaticUserAccount struct {
	AccountID  UserAccountID
	LastLogin  time.Time
	UserClaims map[string]any
}

func (a *StaticUserAccount) ID() UserAccountID { return a.AccountID }

func (a *StaticUserAccount) LastLoginAt() (time.Time, bool) {
	return a.LastLogin, !a.LastLogin.IsZero()
}

func (a *StaticUserAccount) Claims() map[string]any { return maps.Clone(a.UserClaims) }

type passwordEntry struct {
	id   UserAccountID
	hash []byte
}

// MemoryUserAccountRepository stores user accounts in memory. Passwords are
// kept as bcrypt hashes.
type MemoryUserAccountRepository struct {
	mu        sync.RWMutex
	accounts  map[UserAccountID]*StaticUserAccount
	passwords map[string]passwordEntry
	cost      int
}

// NewMemoryUserAccountRepository creates an empty repository.
func NewMemoryUserAccountRepository() *MemoryUserAccountRepository {
	return &MemoryUserAccountRepository{
		accounts:  make(map[UserAccountID]*StaticUserAccount),
		passwords: make(map[string]passwordEntry),
		cost:      bcrypt.DefaultCost,
	}
}

// SetBcryptCost overrides the hashing cost, mostly to keep tests fast.
func (r *MemoryUserAccountRepository) SetBcryptCost(cost int) {
	r.cost = cost
}

// Add stores an account. When username is not empty the account can log in
// with username and password.
func (r *MemoryUserAccountRepository) Add(account *StaticUserAccount, username, password string) error {
	if account == nil || account.AccountID == "" {
		return errors.New("user account id is required")
	}

	var hash []byte
	if username != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), r.cost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.AccountID] = account
	if username != "" {
		r.passwords[username] = passwordEntry{id: account.AccountID, hash: hash}
	}
	return nil
}

// Find implements UserAccountRepository.
func (r *MemoryUserAccountRepository) Find(_ context.Context, id UserAccountID) (UserAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return account, nil
}

// FindUserAccountWithPasswordCredentials returns the account matching
// username and password, or ErrInvalidCredentials.
func (r *MemoryUserAccountRepository) FindUserAccountWithPasswordCredentials(_ context.Context, username, password string) (UserAccountID, error) {
	r.mu.RLock()
	entry, ok := r.passwords[username]
	r.mu.RUnlock()
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(entry.hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return entry.id, nil
}

// StaticResourceServer is a ResourceServer held in memory.
type StaticResourceServer struct {
	ServerID     ResourceServerID
	ServerSecret string
}

func (s *StaticResourceServer) ID() ResourceServerID { return s.ServerID }
func (s *StaticResourceServer) Secret() string       { return s.ServerSecret }

// MemoryResourceServerRepository stores resource servers in memory.
type MemoryResourceServerRepository struct {
	mu      sync.RWMutex
	servers map[ResourceServerID]ResourceServer
}

// NewMemoryResourceServerRepository creates a repository holding servers.
func NewMemoryResourceServerRepository(servers ...ResourceServer) *MemoryResourceServerRepository {
	r := &MemoryResourceServerRepository{servers: make(map[ResourceServerID]ResourceServer)}
	for _, s := range servers {
		r.Save(s)
	}
	return r
}

// Save stores or replaces a resource server.
func (r *MemoryResourceServerRepository) Save(s ResourceServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.ID()] = s
}

// Find implements ResourceServerRepository.
func (r *MemoryResourceServerRepository) Find(_ context.Context, id ResourceServerID) (ResourceServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}
