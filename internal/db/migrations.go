package db

import (
	"fmt"

	"fleetgate/internal/logs"
	"fleetgate/internal/models"

	"gorm.io/gorm"
)

// step — один шаг миграции. applied отвечает, применён ли шаг уже;
// apply обязан быть идемпотентным на случай повторного запуска.
type step struct {
	id      string
	applied func(*gorm.DB) bool
	apply   func(*gorm.DB) error
}

// Migrate прогоняет шаги по порядку до старта трафика.
// Только аддитивные изменения: новые колонки и отдельный уникальный
// индекс; ничего не удаляем и не переписываем.
func Migrate(db *gorm.DB) error {
	steps := []step{
		{
			id: "001_base_tables",
			applied: func(db *gorm.DB) bool {
				return db.Migrator().HasTable("devices") && db.Migrator().HasTable("admins")
			},
			apply: func(db *gorm.DB) error {
				return db.AutoMigrate(&models.Device{}, &models.Admin{})
			},
		},
		{
			// Таблицы до эпохи серийников: добиваем колонку.
			id: "002_devices_serial_number",
			applied: func(db *gorm.DB) bool {
				return db.Migrator().HasColumn(&models.Device{}, "serial_number")
			},
			apply: func(db *gorm.DB) error {
				return db.Migrator().AddColumn(&models.Device{}, "SerialNumber")
			},
		},
		{
			id: "003_devices_serial_unique_index",
			applied: func(db *gorm.DB) bool {
				return db.Migrator().HasIndex(&models.Device{}, "idx_devices_serial_number")
			},
			apply: func(db *gorm.DB) error {
				switch db.Dialector.Name() {
				case "mysql":
					return db.Exec("CREATE UNIQUE INDEX `idx_devices_serial_number` ON `devices` (`serial_number`)").Error
				default: // sqlite, postgres
					return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_serial_number ON devices (serial_number)`).Error
				}
			},
		},
		{
			id: "004_devices_is_authorized",
			applied: func(db *gorm.DB) bool {
				return db.Migrator().HasColumn(&models.Device{}, "is_authorized")
			},
			apply: func(db *gorm.DB) error {
				return db.Migrator().AddColumn(&models.Device{}, "IsAuthorized")
			},
		},
	}

	for _, s := range steps {
		if s.applied(db) {
			continue
		}
		if err := s.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", s.id, err)
		}
		logs.Logger.Infof("migration %s applied", s.id)
	}
	return nil
}
