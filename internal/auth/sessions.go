package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"fleetgate/internal/models"

	"gorm.io/gorm"
)

// DefaultSessionTTL — абсолютный срок жизни сессии от выдачи.
const DefaultSessionTTL = time.Hour

// Identity — подтверждённая личность администратора.
type Identity struct {
	AdminID  uint
	Username string
}

type session struct {
	Identity
	issuedAt  time.Time
	expiresAt time.Time
}

// Sessions — серверное хранилище сессий. Токен — непрозрачная случайная
// строка, сама по себе ничего не кодирует. На каждом Authenticate пара
// admin_id/username перепроверяется по таблице админов: удалённый или
// переименованный админ мгновенно теряет все сессии.
type Sessions struct {
	db  *gorm.DB
	ttl time.Duration

	mu      sync.RWMutex
	byToken map[string]session
}

func NewSessions(db *gorm.DB, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{db: db, ttl: ttl, byToken: make(map[string]session)}
}

// newToken — 256 бит из crypto/rand. uuid здесь сознательно не
// используется: токен — bearer-секрет, а не идентификатор.
func newToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Issue выдаёт токен с абсолютным истечением now+ttl (без sliding).
func (s *Sessions) Issue(adminID uint, username string) string {
	tok := newToken()
	now := time.Now()
	s.mu.Lock()
	s.pruneLocked(now)
	s.byToken[tok] = session{
		Identity:  Identity{AdminID: adminID, Username: username},
		issuedAt:  now,
		expiresAt: now.Add(s.ttl),
	}
	s.mu.Unlock()
	return tok
}

// TTL — настроенный срок жизни (для cookie Max-Age).
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Authenticate проверяет токен и перепроверяет админа в БД.
func (s *Sessions) Authenticate(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	s.mu.RLock()
	se, ok := s.byToken[token]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, false
	}
	if time.Now().After(se.expiresAt) {
		s.Revoke(token)
		return Identity{}, false
	}

	var n int64
	err := s.db.Model(&models.Admin{}).
		Where("id = ? AND username = ?", se.AdminID, se.Username).
		Count(&n).Error
	if err != nil || n == 0 {
		s.Revoke(token)
		return Identity{}, false
	}
	return se.Identity, true
}

// Revoke — явный logout; повторный вызов безвреден.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.byToken, token)
	s.mu.Unlock()
}

func (s *Sessions) pruneLocked(now time.Time) {
	for tok, se := range s.byToken {
		if now.After(se.expiresAt) {
			delete(s.byToken, tok)
		}
	}
}
