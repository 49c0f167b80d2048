package intake

import (
	"errors"
	"strings"
	"unicode/utf8"

	"fleetgate/internal/logs"
	"fleetgate/internal/models"
	"fleetgate/internal/registry"
)

// Kind — класс отказа регистрации.
type Kind int

const (
	ValidationFailed Kind = iota + 1
	DuplicateSerial
	StorageFailed
)

// Rejection — отказ с готовым пользовательским текстом; Message
// показывается как есть и в портале, и в боте.
type Rejection struct {
	Kind    Kind
	Message string
}

// Intake — единая точка входа регистрации для веб-формы и бота.
type Intake struct {
	reg *registry.Store
}

func New(reg *registry.Store) *Intake {
	return &Intake{reg: reg}
}

// Submit валидирует и пишет в реестр. Порядок проверок фиксирован,
// первая ошибка выигрывает: отсутствие имени → отсутствие серийника →
// длина имени → длина серийника → длина os → длина browser → дубликат.
func (i *Intake) Submit(name, serial, osName, browser, ip string) (models.Device, *Rejection) {
	name = strings.TrimSpace(name)
	serial = strings.TrimSpace(serial)
	osName = strings.TrimSpace(osName)
	browser = strings.TrimSpace(browser)

	// лимиты в символах, не в байтах
	switch {
	case name == "":
		return models.Device{}, &Rejection{ValidationFailed, "Device name is required"}
	case serial == "":
		return models.Device{}, &Rejection{ValidationFailed, "Serial number is required"}
	case utf8.RuneCountInString(name) > models.NameMaxLen:
		return models.Device{}, &Rejection{ValidationFailed, "Device name is too long"}
	case utf8.RuneCountInString(serial) > models.SerialMaxLen:
		return models.Device{}, &Rejection{ValidationFailed, "Serial number is too long"}
	case utf8.RuneCountInString(osName) > models.MetaMaxLen:
		return models.Device{}, &Rejection{ValidationFailed, "OS name is too long"}
	case utf8.RuneCountInString(browser) > models.MetaMaxLen:
		return models.Device{}, &Rejection{ValidationFailed, "Browser name is too long"}
	}

	dev, err := i.reg.Register(registry.NewDevice{
		Name:    name,
		Serial:  serial,
		OS:      osName,
		Browser: browser,
		IP:      ip,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateSerial) {
			return models.Device{}, &Rejection{DuplicateSerial, "Serial number is already registered"}
		}
		// детали только в лог, наружу — общий текст
		logs.Logger.Errorf("device registration: %v", err)
		return models.Device{}, &Rejection{StorageFailed, "Database error occurred"}
	}

	logs.Logger.Infof("device registered: %s (SN: %s)", dev.Name, dev.Serial())
	return dev, nil
}
