package models

import "time"

// Максимальные длины полей устройства (валидируются на каждом входе).
const (
	NameMaxLen   = 100
	SerialMaxLen = 100
	MetaMaxLen   = 50 // os / browser
)

// Device — одно зарегистрированное устройство.
// SerialNumber nullable: строки из старой схемы могли не иметь серийника,
// уникальный индекс допускает NULL во всех трёх диалектах.
type Device struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:100;not null" json:"name"`
	SerialNumber *string   `gorm:"size:100;uniqueIndex:idx_devices_serial_number" json:"serial_number"`
	OS           string    `gorm:"size:50" json:"os"`
	Browser      string    `gorm:"size:50" json:"browser"`
	IP           string    `json:"ip"`
	IsAuthorized bool      `gorm:"not null;default:false" json:"is_authorized"`
	RegisteredAt time.Time `gorm:"autoCreateTime" json:"registered_at"`
}

// Serial возвращает серийный номер или пустую строку для legacy-строк.
func (d Device) Serial() string {
	if d.SerialNumber == nil {
		return ""
	}
	return *d.SerialNumber
}
