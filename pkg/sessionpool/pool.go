// Package sessionpool maintains a bounded pool of reusable browser
// sessions, with error-score/usage-count reputation tracking so a
// session that accumulates too many failures or too much use is
// retired rather than reused indefinitely.
package sessionpool

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"crawlcore/pkg/proxy"
	"crawlcore/pkg/store"
)

// Session is a reusable identity: a cookie jar, an optional bound
// proxy, and the usage/error counters that decide when it gets
// retired.
type Session struct {
	ID            string                      `json:"id"`
	Cookies       map[string][]*http.Cookie   `json:"cookies"`
	ProxyKey      string                      `json:"proxy_key"`
	CreatedAt     time.Time                   `json:"created_at"`
	ExpiresAt     time.Time                   `json:"expires_at"`
	UsageCount    int                         `json:"usage_count"`
	MaxUsageCount int                         `json:"max_usage_count"`
	ErrorScore    float64                     `json:"error_score"`
	MaxErrorScore float64                     `json:"max_error_score"`
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// IsUsable reports whether the session is fit for reuse: its error
// score is under threshold, usage is under its cap, and it has not
// expired.
func (s *Session) IsUsable(now time.Time) bool {
	return s.ErrorScore < s.MaxErrorScore && s.UsageCount < s.MaxUsageCount && !s.IsExpired(now)
}

// MarkGood records a successful use: usage increments, error score
// decays (never below zero).
func (s *Session) MarkGood() {
	s.UsageCount++
	s.ErrorScore = math.Max(0, s.ErrorScore-1)
}

// MarkBad records a failed use: usage increments, error score climbs.
func (s *Session) MarkBad() {
	s.UsageCount++
	s.ErrorScore++
}

// CookiesFor returns the cookies bound to a URL origin.
func (s *Session) CookiesFor(origin string) []*http.Cookie {
	return s.Cookies[origin]
}

// SetCookies replaces the cookies bound to a URL origin.
func (s *Session) SetCookies(origin string, cookies []*http.Cookie) {
	if s.Cookies == nil {
		s.Cookies = make(map[string][]*http.Cookie)
	}
	s.Cookies[origin] = cookies
}

// CreateSessionFunc builds a fresh session when the pool needs one.
// The pool fills in ID/CreatedAt/limits after the callback returns, so
// callers only need to populate anything domain-specific (an initial
// cookie, a user-agent hint carried elsewhere, and so on).
type CreateSessionFunc func(ctx context.Context) (*Session, error)

// Config tunes pool sizing, reputation thresholds, and persistence.
type Config struct {
	MaxPoolSize          int
	TargetPoolSize       int
	DefaultMaxErrorScore float64
	DefaultMaxUsageCount int
	DefaultTTL           time.Duration
	PersistInterval      time.Duration
	KVStore              store.KeyValueStore
	PersistKey           string
	Encrypt              bool
	EncryptionKey        string
	ProxyProvider        proxy.ProxyProvider
}

// DefaultConfig returns sane pool sizing and reputation defaults.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:          50,
		TargetPoolSize:       10,
		DefaultMaxErrorScore: 5,
		DefaultMaxUsageCount: 200,
		DefaultTTL:           168 * time.Hour,
		PersistInterval:      5 * time.Minute,
		PersistKey:           "sessionpool-state",
	}
}

// Pool is the C8 Session Pool.
type Pool struct {
	cfg           Config
	createSession CreateSessionFunc

	mu       sync.Mutex
	sessions map[string]*Session
	rng      *rand.Rand

	secretKey []byte

	onRetired    func()
	onSizeChange func(count int)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OnRetired registers a callback invoked whenever a session is
// retired for crossing its error-score or usage-count threshold, used
// by pkg/metrics to count sessions_retired_total without this package
// importing the metrics types.
func (p *Pool) OnRetired(fn func()) {
	p.mu.Lock()
	p.onRetired = fn
	p.mu.Unlock()
}

// OnSizeChange registers a callback invoked whenever the tracked
// session count changes.
func (p *Pool) OnSizeChange(fn func(count int)) {
	p.mu.Lock()
	p.onSizeChange = fn
	p.mu.Unlock()
}

// New constructs a session pool. createSession is invoked whenever the
// pool needs a fresh session and has room for one.
func New(cfg Config, createSession CreateSessionFunc) *Pool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 50
	}
	if cfg.TargetPoolSize <= 0 {
		cfg.TargetPoolSize = cfg.MaxPoolSize
	}
	if cfg.DefaultMaxErrorScore <= 0 {
		cfg.DefaultMaxErrorScore = 5
	}
	if cfg.DefaultMaxUsageCount <= 0 {
		cfg.DefaultMaxUsageCount = 200
	}

	p := &Pool{
		cfg:           cfg,
		createSession: createSession,
		sessions:      make(map[string]*Session),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:        make(chan struct{}),
	}

	if cfg.Encrypt {
		if cfg.EncryptionKey == "" {
			p.secretKey = generateKey()
		} else {
			hash := sha256.Sum256([]byte(cfg.EncryptionKey))
			p.secretKey = hash[:]
		}
	}

	return p
}

// Start restores any persisted pool state and, if PersistInterval is
// set, begins the periodic snapshot loop.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.restore(ctx); err != nil {
		return fmt.Errorf("sessionpool: restore: %w", err)
	}
	if p.cfg.KVStore != nil && p.cfg.PersistInterval > 0 {
		p.wg.Add(1)
		go p.persistLoop(ctx)
	}
	return nil
}

// Stop halts the periodic persist loop and snapshots once more at
// shutdown.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stopCh)
	p.wg.Wait()
	return p.PersistState(ctx)
}

func (p *Pool) persistLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.PersistState(ctx)
		}
	}
}

// GetSession creates a fresh session when the pool has room and is
// either below its target size or has nothing usable right now;
// otherwise it returns a random usable session. Unusable sessions are
// dropped lazily as they're encountered.
func (p *Pool) GetSession(ctx context.Context) (*Session, error) {
	now := time.Now()

	p.mu.Lock()
	for id, s := range p.sessions {
		if !s.IsUsable(now) {
			delete(p.sessions, id)
		}
	}
	usable := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		usable = append(usable, s)
	}
	belowTarget := len(p.sessions) < p.cfg.TargetPoolSize
	hasRoom := len(p.sessions) < p.cfg.MaxPoolSize
	shouldCreate := hasRoom && (belowTarget || len(usable) == 0)
	p.mu.Unlock()

	if shouldCreate {
		return p.createAndAdd(ctx)
	}

	if len(usable) == 0 {
		return nil, fmt.Errorf("sessionpool: no usable session and pool at capacity (%d)", p.cfg.MaxPoolSize)
	}
	return usable[p.rng.Intn(len(usable))], nil
}

func (p *Pool) createAndAdd(ctx context.Context) (*Session, error) {
	s, err := p.createSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessionpool: create session: %w", err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.ExpiresAt.IsZero() && p.cfg.DefaultTTL > 0 {
		s.ExpiresAt = s.CreatedAt.Add(p.cfg.DefaultTTL)
	}
	if s.MaxErrorScore == 0 {
		s.MaxErrorScore = p.cfg.DefaultMaxErrorScore
	}
	if s.MaxUsageCount == 0 {
		s.MaxUsageCount = p.cfg.DefaultMaxUsageCount
	}
	if s.Cookies == nil {
		s.Cookies = make(map[string][]*http.Cookie)
	}

	if p.cfg.ProxyProvider != nil && s.ProxyKey == "" {
		if proxyURL, err := p.cfg.ProxyProvider.NextProxy(ctx, s.ID); err == nil && proxyURL != nil {
			s.ProxyKey = proxyURL.Host
		}
	}

	p.mu.Lock()
	p.sessions[s.ID] = s
	onSizeChange := p.onSizeChange
	size := len(p.sessions)
	p.mu.Unlock()

	if onSizeChange != nil {
		onSizeChange(size)
	}
	return s, nil
}

// MarkGood records a successful use of the session identified by id.
func (p *Pool) MarkGood(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		s.MarkGood()
	}
}

// MarkBad records a failed use, retiring and removing the session if
// it crosses its error threshold.
func (p *Pool) MarkBad(id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	s.MarkBad()
	retired := false
	if !s.IsUsable(time.Now()) {
		delete(p.sessions, id)
		retired = true
	}
	onRetired := p.onRetired
	onSizeChange := p.onSizeChange
	size := len(p.sessions)
	p.mu.Unlock()

	if retired && onRetired != nil {
		onRetired()
	}
	if retired && onSizeChange != nil {
		onSizeChange(size)
	}
}

// Remove retires a session outright (e.g. on a hard proxy or ban
// signal unrelated to the error-score model).
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	onSizeChange := p.onSizeChange
	size := len(p.sessions)
	p.mu.Unlock()

	if onSizeChange != nil {
		onSizeChange(size)
	}
}

// Size returns the number of tracked sessions (usable or not).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

type poolSnapshot struct {
	Sessions []*Session `json:"sessions"`
}

// PersistState snapshots all tracked sessions to the configured
// key-value store, optionally AES-GCM encrypted at rest.
func (p *Pool) PersistState(ctx context.Context) error {
	if p.cfg.KVStore == nil {
		return nil
	}

	p.mu.Lock()
	snap := poolSnapshot{Sessions: make([]*Session, 0, len(p.sessions))}
	for _, s := range p.sessions {
		snap.Sessions = append(snap.Sessions, s)
	}
	p.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sessionpool: marshal snapshot: %w", err)
	}

	if p.cfg.Encrypt {
		data, err = p.encrypt(data)
		if err != nil {
			return fmt.Errorf("sessionpool: encrypt snapshot: %w", err)
		}
	}

	return p.cfg.KVStore.SetRecord(ctx, p.cfg.PersistKey, data)
}

func (p *Pool) restore(ctx context.Context) error {
	if p.cfg.KVStore == nil || p.cfg.PersistKey == "" {
		return nil
	}

	data, err := p.cfg.KVStore.GetRecord(ctx, p.cfg.PersistKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	if p.cfg.Encrypt {
		data, err = p.decrypt(data)
		if err != nil {
			return fmt.Errorf("decrypt snapshot: %w", err)
		}
	}

	var snap poolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	now := time.Now()
	p.mu.Lock()
	for _, s := range snap.Sessions {
		if s.IsUsable(now) {
			p.sessions[s.ID] = s
		}
	}
	p.mu.Unlock()
	return nil
}

// encrypt/decrypt implement the AES-GCM scheme used to persist session
// state at rest when Config.Encrypt is set.
func (p *Pool) encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.secretKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (p *Pool) decrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(p.secretKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func generateKey() []byte {
	key := make([]byte, 32)
	_, _ = io.ReadFull(cryptorand.Reader, key)
	return key
}
