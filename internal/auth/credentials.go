package auth

import (
	"crypto/subtle"
	"strings"

	"fleetgate/internal/logs"
	"fleetgate/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Встроенная учётка первого запуска. Создаётся только если таблица пуста.
const (
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "1234"
)

// Credentials хранит пары username/hash и владеет миграцией
// legacy-plaintext паролей. bcrypt-хэши начинаются с "$" — этот же
// маркер отличает хэш от старого открытого пароля.
type Credentials struct {
	db *gorm.DB
}

func NewCredentials(db *gorm.DB) *Credentials {
	return &Credentials{db: db}
}

func isHashed(stored string) bool {
	return strings.HasPrefix(stored, "$")
}

// VerifyAndMigrate проверяет пару логин/пароль. Для legacy-строки с
// открытым паролем при совпадении сразу заменяет его на свежий хэш.
// false возвращается одинаково и для неизвестного логина, и для
// неверного пароля — наружу эта разница не уходит.
func (c *Credentials) VerifyAndMigrate(username, password string) (uint, bool) {
	var a models.Admin
	if err := c.db.Where("username = ?", username).First(&a).Error; err != nil {
		// выравниваем стоимость ответа с веткой проверки хэша
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0a7Zz0YdR8cQ3mB5uG9a1rXhW5u"), []byte(password))
		return 0, false
	}

	if isHashed(a.Password) {
		if bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(password)) != nil {
			return 0, false
		}
		return a.ID, true
	}

	// legacy plaintext
	if subtle.ConstantTimeCompare([]byte(a.Password), []byte(password)) != 1 {
		return 0, false
	}
	if err := c.rehash(a.ID, password); err != nil {
		logs.Logger.Errorf("credential migration for %q: %v", username, err)
		return 0, false
	}
	return a.ID, true
}

func (c *Credentials) rehash(id uint, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return c.db.Model(&models.Admin{}).Where("id = ?", id).Update("password", string(hash)).Error
}

// EnsureDefaultAdmin создаёт встроенную учётку, только если админов нет
// вообще. Существующие записи никогда не перезаписывает.
func (c *Credentials) EnsureDefaultAdmin() error {
	var n int64
	if err := c.db.Model(&models.Admin{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := c.db.Create(&models.Admin{Username: DefaultAdminUsername, Password: string(hash)}).Error; err != nil {
		return err
	}
	logs.Logger.Warnf("default admin %q provisioned, change the password", DefaultAdminUsername)
	return nil
}

// MigrateLegacyPasswords — стартовый проход: хэширует все строки с
// открытым паролем. Идемпотентен, уже хэшированное не трогает.
func (c *Credentials) MigrateLegacyPasswords() error {
	var admins []models.Admin
	if err := c.db.Find(&admins).Error; err != nil {
		return err
	}
	for _, a := range admins {
		if a.Password == "" || isHashed(a.Password) {
			continue
		}
		if err := c.rehash(a.ID, a.Password); err != nil {
			return err
		}
		logs.Logger.Infof("admin %d: legacy password migrated to hash", a.ID)
	}
	return nil
}
