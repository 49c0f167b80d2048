package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"fleetgate/internal/logs"
	"fleetgate/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
)

// UpdateSource — источник обновлений платформы. Оба транспорта (поллер
// и вебхук) зовут один и тот же Dispatcher.Dispatch; в деплое активен
// ровно один из них, наблюдаемое поведение от выбора не зависит.
type UpdateSource interface {
	Run(ctx context.Context) error
}

// ---------------------------------------------------------------- poller

// Poller — pull-режим: длинный getUpdates-цикл, обновления уходят в
// диспетчер по одному в порядке прихода.
type Poller struct {
	bot        *tgbotapi.BotAPI
	dispatcher *Dispatcher
	timeout    int
}

func NewPoller(api *tgbotapi.BotAPI, d *Dispatcher) *Poller {
	return &Poller{bot: api, dispatcher: d, timeout: 30}
}

func (p *Poller) Run(ctx context.Context) error {
	// webhook и getUpdates взаимоисключающие на стороне платформы
	if _, err := p.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		logs.Logger.Warnf("delete webhook: %v", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = p.timeout
	updates := p.bot.GetUpdatesChan(u)
	logs.Logger.Info("telegram poller started")

	for {
		select {
		case <-ctx.Done():
			// перестаём забирать новое, текущий Dispatch дорабатывает
			p.bot.StopReceivingUpdates()
			logs.Logger.Info("telegram poller stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			p.dispatcher.Dispatch(upd)
		}
	}
}

// ---------------------------------------------------------------- webhook

// SecretTokenHeader — заголовок платформы с общим секретом.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Webhook — push-режим. Запрос без верного секрета отклоняется до
// любого обращения к состоянию; принятый апдейт подтверждается сразу,
// обработка идёт асинхронно (ошибки только в лог — отправитель уже
// получил ack).
type Webhook struct {
	bot        *tgbotapi.BotAPI
	dispatcher *Dispatcher
	publicURL  string
	secret     string
}

func NewWebhook(api *tgbotapi.BotAPI, d *Dispatcher, publicURL, secret string) *Webhook {
	return &Webhook{bot: api, dispatcher: d, publicURL: publicURL, secret: secret}
}

func (wh *Webhook) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhook", wh.handleUpdate).Methods(http.MethodPost)
}

func (wh *Webhook) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if wh.secret == "" || r.Header.Get(SecretTokenHeader) != wh.secret {
		logs.Logger.Warn("webhook: invalid secret token")
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "invalid secret token", nil)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", "cannot parse update", nil)
		return
	}

	// fire-and-forget: ack сразу, медленный обработчик не блокирует
	// приём следующих доставок
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logs.Logger.Errorf("webhook dispatch panic: %v", rec)
			}
		}()
		wh.dispatcher.Dispatch(update)
	}()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Run регистрирует URL у платформы и держится до остановки; сам HTTP
// живёт на общем сервере приложения.
func (wh *Webhook) Run(ctx context.Context) error {
	if err := wh.install(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// install зовёт setWebhook напрямую: secret_token появился в Bot API
// позже, чем поле в клиентской библиотеке.
func (wh *Webhook) install() error {
	params := tgbotapi.Params{
		"url":                  strings.TrimSuffix(wh.publicURL, "/") + "/webhook",
		"drop_pending_updates": "true",
	}
	if wh.secret != "" {
		params["secret_token"] = wh.secret
	}
	resp, err := wh.bot.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("setWebhook: %s", resp.Description)
	}
	logs.Logger.Infof("webhook set to %s/webhook", strings.TrimSuffix(wh.publicURL, "/"))
	return nil
}
