package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"fleetgate/internal/models"

	"gorm.io/gorm"
)

var (
	// ErrDuplicateSerial — серийник уже занят другим устройством.
	ErrDuplicateSerial = errors.New("serial number already registered")
	// ErrNotFound — устройство не найдено.
	ErrNotFound = errors.New("device not found")
)

// ValidationError — некорректное поле на входе мутации.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewDevice — входные поля регистрации.
type NewDevice struct {
	Name    string
	Serial  string
	OS      string
	Browser string
	IP      string
}

// Store — реестр устройств поверх gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Лимиты длины считаются в символах, не в байтах.
func validateFields(name, serial, osName, browser string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if utf8.RuneCountInString(name) > models.NameMaxLen {
		return &ValidationError{Field: "name", Reason: "too long"}
	}
	if serial == "" {
		return &ValidationError{Field: "serial_number", Reason: "required"}
	}
	if utf8.RuneCountInString(serial) > models.SerialMaxLen {
		return &ValidationError{Field: "serial_number", Reason: "too long"}
	}
	if utf8.RuneCountInString(osName) > models.MetaMaxLen {
		return &ValidationError{Field: "os", Reason: "too long"}
	}
	if utf8.RuneCountInString(browser) > models.MetaMaxLen {
		return &ValidationError{Field: "browser", Reason: "too long"}
	}
	return nil
}

// Register создаёт устройство. Уникальность серийника держит уникальный
// индекс: один constrained insert, никакого check-then-insert, поэтому из
// двух конкурентных регистраций с одним серийником победит ровно одна.
// Новое устройство всегда is_authorized=false.
func (s *Store) Register(d NewDevice) (models.Device, error) {
	name := strings.TrimSpace(d.Name)
	serial := strings.TrimSpace(d.Serial)
	if err := validateFields(name, serial, d.OS, d.Browser); err != nil {
		return models.Device{}, err
	}

	m := models.Device{
		Name:         name,
		SerialNumber: &serial,
		OS:           d.OS,
		Browser:      d.Browser,
		IP:           d.IP,
		IsAuthorized: false,
	}
	if err := s.db.Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.Device{}, ErrDuplicateSerial
		}
		return models.Device{}, err
	}
	return m, nil
}

// SetAuthorizationByID переключает флаг доверия по id.
func (s *Store) SetAuthorizationByID(id uint, authorized bool) error {
	tx := s.db.Model(&models.Device{}).Where("id = ?", id).Update("is_authorized", authorized)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAuthorizationBySerial переключает флаг доверия по серийнику.
func (s *Store) SetAuthorizationBySerial(serial string, authorized bool) error {
	tx := s.db.Model(&models.Device{}).Where("serial_number = ?", serial).Update("is_authorized", authorized)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Update меняет только описательные поля. Серийник и авторизация через
// этот путь не трогаются — это отдельные операции.
func (s *Store) Update(id uint, name, osName, browser string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if utf8.RuneCountInString(name) > models.NameMaxLen {
		return &ValidationError{Field: "name", Reason: "too long"}
	}
	if utf8.RuneCountInString(osName) > models.MetaMaxLen {
		return &ValidationError{Field: "os", Reason: "too long"}
	}
	if utf8.RuneCountInString(browser) > models.MetaMaxLen {
		return &ValidationError{Field: "browser", Reason: "too long"}
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var m models.Device
		if err := tx.First(&m, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		// только описательные колонки: полный Save затёр бы
		// serial_number и is_authorized значениями на момент чтения
		return tx.Model(&m).Select("name", "os", "browser").
			Updates(models.Device{Name: name, OS: osName, Browser: browser}).Error
	})
}

// Delete удаляет устройство; серийник после этого снова свободен.
func (s *Store) Delete(id uint) error {
	tx := s.db.Delete(&models.Device{}, id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(id uint) (models.Device, bool) {
	var m models.Device
	if err := s.db.First(&m, id).Error; err != nil {
		return models.Device{}, false
	}
	return m, true
}

// FindBySerial — последнее совпадение по id убыв.
func (s *Store) FindBySerial(serial string) (models.Device, bool) {
	var m models.Device
	err := s.db.Where("serial_number = ?", serial).Order("id DESC").First(&m).Error
	if err != nil {
		return models.Device{}, false
	}
	return m, true
}

// FindByName — последнее совпадение по id убыв.
func (s *Store) FindByName(name string) (models.Device, bool) {
	var m models.Device
	err := s.db.Where("name = ?", name).Order("id DESC").First(&m).Error
	if err != nil {
		return models.Device{}, false
	}
	return m, true
}

// List возвращает устройства по id убыв.; limit <= 0 — без ограничения.
func (s *Store) List(limit int) ([]models.Device, error) {
	var out []models.Device
	q := s.db.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Search — регистронезависимый substring-поиск по name/serial/os/browser,
// объединение совпадений, новые первыми.
func (s *Store) Search(query string) ([]models.Device, error) {
	p := "%" + strings.ToLower(query) + "%"
	var out []models.Device
	err := s.db.
		Where("LOWER(name) LIKE ? OR LOWER(serial_number) LIKE ? OR LOWER(os) LIKE ? OR LOWER(browser) LIKE ?", p, p, p, p).
		Order("id DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats — агрегаты реестра; окна считаются от момента вызова.
type Stats struct {
	Total     int64            `json:"total"`
	Recent24h int64            `json:"recent_24h"`
	Recent7d  int64            `json:"recent_7d"`
	ByOS      map[string]int64 `json:"by_os"`
	ByBrowser map[string]int64 `json:"by_browser"`
}

func (s *Store) Stats() (Stats, error) {
	st := Stats{ByOS: map[string]int64{}, ByBrowser: map[string]int64{}}
	now := time.Now()

	if err := s.db.Model(&models.Device{}).Count(&st.Total).Error; err != nil {
		return Stats{}, err
	}
	if err := s.db.Model(&models.Device{}).
		Where("registered_at > ?", now.Add(-24*time.Hour)).Count(&st.Recent24h).Error; err != nil {
		return Stats{}, err
	}
	if err := s.db.Model(&models.Device{}).
		Where("registered_at > ?", now.Add(-7*24*time.Hour)).Count(&st.Recent7d).Error; err != nil {
		return Stats{}, err
	}

	// alias без зарезервированных слов, чтобы не квотить под каждый диалект
	type bucket struct {
		K string
		N int64
	}
	var rows []bucket
	if err := s.db.Model(&models.Device{}).
		Select("os AS k, COUNT(*) AS n").Group("os").Find(&rows).Error; err != nil {
		return Stats{}, err
	}
	for _, r := range rows {
		st.ByOS[r.K] = r.N
	}
	rows = rows[:0]
	if err := s.db.Model(&models.Device{}).
		Select("browser AS k, COUNT(*) AS n").Group("browser").Find(&rows).Error; err != nil {
		return Stats{}, err
	}
	for _, r := range rows {
		st.ByBrowser[r.K] = r.N
	}
	return st, nil
}
