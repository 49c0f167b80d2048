package models

// Admin — учётка администратора.
// Password хранит bcrypt-хэш; plaintext возможен только в старых строках
// до миграции (отличаем по префиксу "$").
type Admin struct {
	ID       uint   `gorm:"primaryKey"`
	Username string `gorm:"size:50;uniqueIndex"`
	Password string
}
