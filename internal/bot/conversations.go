package bot

import (
	"sync"
	"time"
)

// DefaultConversationTTL — сколько живёт брошенный диалог до очистки.
const DefaultConversationTTL = 30 * time.Minute

type step int

const (
	stateIdle step = iota
	stateAwaitingName
	stateAwaitingSerial
)

// conversation — прогресс одного пользователя по форме регистрации.
// Живёт только в памяти: до терминального перехода в реестр ничего не
// пишется, поэтому потеря при рестарте безопасна.
type conversation struct {
	step      step
	name      string
	updatedAt time.Time
}

// conversations — keyed-хранилище диалогов по id пользователя.
// Просроченные записи выметаются при каждом обращении, карта не растёт
// на время жизни процесса.
type conversations struct {
	ttl time.Duration

	mu     sync.Mutex
	byUser map[int64]*conversation
}

func newConversations(ttl time.Duration) *conversations {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	return &conversations{ttl: ttl, byUser: make(map[int64]*conversation)}
}

// get возвращает диалог пользователя, создавая Idle при отсутствии.
func (c *conversations) get(userID int64) *conversation {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
	conv, ok := c.byUser[userID]
	if !ok {
		conv = &conversation{step: stateIdle, updatedAt: now}
		c.byUser[userID] = conv
	}
	conv.updatedAt = now
	return conv
}

// clear сбрасывает диалог в Idle (завершение или /cancel).
func (c *conversations) clear(userID int64) {
	c.mu.Lock()
	delete(c.byUser, userID)
	c.mu.Unlock()
}

func (c *conversations) sweepLocked(now time.Time) {
	for id, conv := range c.byUser {
		if now.Sub(conv.updatedAt) > c.ttl {
			delete(c.byUser, id)
		}
	}
}
