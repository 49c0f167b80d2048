package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"fleetgate/internal/intake"
	"fleetgate/internal/logs"
	"fleetgate/internal/models"
	"fleetgate/internal/registry"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Устройства из бота получают фиксированные метаданные: user-agent'а нет.
const (
	botOS      = "Telegram"
	botBrowser = "Telegram Bot"
	botIP      = "N/A"
)

const maxMessageLen = 4096 // лимит Telegram на текст сообщения

// Sender — то, что диспетчеру нужно от клиента Telegram.
// *tgbotapi.BotAPI подходит; в тестах подменяется фейком.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Dispatcher разбирает обновления платформы: закрытый набор команд и
// callback-идентификаторов плюс машина состояний для свободного текста.
// Обработка сериализуется по пользователю, разные пользователи
// обрабатываются независимо.
type Dispatcher struct {
	sender    Sender
	reg       *registry.Store
	intake    *intake.Intake
	portalURL string
	convs     *conversations

	mu    sync.Mutex
	locks map[int64]*userLock
}

// userLock — мьютекс одного пользователя с отметкой последнего
// использования, чтобы карта не росла на время жизни процесса.
type userLock struct {
	sync.Mutex
	lastSeen time.Time
}

func NewDispatcher(sender Sender, reg *registry.Store, in *intake.Intake, portalURL string, convTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		sender:    sender,
		reg:       reg,
		intake:    in,
		portalURL: portalURL,
		convs:     newConversations(convTTL),
		locks:     make(map[int64]*userLock),
	}
}

// Закрытый набор команд. Всё, чего здесь нет, уходит в общий ответ.
var commands = map[string]func(*Dispatcher, *tgbotapi.Message){
	"start":    (*Dispatcher).cmdStart,
	"help":     (*Dispatcher).cmdHelp,
	"app":      (*Dispatcher).cmdApp,
	"devices":  (*Dispatcher).cmdDevices,
	"stats":    (*Dispatcher).cmdStats,
	"register": (*Dispatcher).cmdRegister,
	"cancel":   (*Dispatcher).cmdCancel,
}

// Закрытый набор callback-идентификаторов инлайн-кнопок.
var callbacks = map[string]func(*Dispatcher, *tgbotapi.CallbackQuery){
	"register":  (*Dispatcher).cbRegister,
	"devices":   (*Dispatcher).cbDevices,
	"help":      (*Dispatcher).cbHelp,
	"main_menu": (*Dispatcher).cbMainMenu,
}

// lockFor выдаёт мьютекс пользователя, по пути выметая простаивающие.
// Запись старше TTL диалога уже никем не удерживается: lastSeen
// обновляется при каждом взятии.
func (d *Dispatcher) lockFor(userID int64) *userLock {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, l := range d.locks {
		if id != userID && now.Sub(l.lastSeen) > d.convs.ttl {
			delete(d.locks, id)
		}
	}
	l, ok := d.locks[userID]
	if !ok {
		l = &userLock{}
		d.locks[userID] = l
	}
	l.lastSeen = now
	return l
}

// Dispatch — единая точка обработки для поллера и вебхука.
// Блокирует до завершения обработки; конкурентные вызовы для одного
// пользователя выполняются по очереди.
func (d *Dispatcher) Dispatch(update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		l := d.lockFor(update.Message.From.ID)
		l.Lock()
		defer l.Unlock()
		d.handleMessage(update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		l := d.lockFor(update.CallbackQuery.From.ID)
		l.Lock()
		defer l.Unlock()
		d.handleCallback(update.CallbackQuery)
	}
}

func (d *Dispatcher) handleMessage(msg *tgbotapi.Message) {
	if msg.IsCommand() {
		if h, ok := commands[msg.Command()]; ok {
			h(d, msg)
			return
		}
		d.reply(msg.Chat.ID, defaultHint)
		return
	}

	conv := d.convs.get(msg.From.ID)
	switch conv.step {
	case stateAwaitingName:
		d.onNameInput(msg, conv)
	case stateAwaitingSerial:
		d.onSerialInput(msg, conv)
	default:
		// свободный текст вне диалога — один общий ответ
		d.replyWithMenu(msg.Chat.ID, defaultHint)
	}
}

func (d *Dispatcher) handleCallback(q *tgbotapi.CallbackQuery) {
	// сначала снимаем "часики" на кнопке
	if _, err := d.sender.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		logs.Logger.Warnf("answer callback: %v", err)
	}
	if h, ok := callbacks[q.Data]; ok {
		h(d, q)
		return
	}
	if q.Message != nil {
		d.reply(q.Message.Chat.ID, defaultHint)
	}
}

// ---------------------------------------------------------------- flow

const registerPrompt = "📱 Device Registration\n\n" +
	"Please send me the name for your device (e.g., 'My iPhone', 'Office Laptop').\n\n" +
	"Type /cancel to cancel."

const defaultHint = "👋 I'm here to help with device registration!\n\n" +
	"Use /help to see all commands or /register to register a device."

func (d *Dispatcher) cmdRegister(msg *tgbotapi.Message) {
	conv := d.convs.get(msg.From.ID)
	conv.step = stateAwaitingName
	conv.name = ""
	d.reply(msg.Chat.ID, registerPrompt)
}

func (d *Dispatcher) cmdCancel(msg *tgbotapi.Message) {
	d.convs.clear(msg.From.ID)
	d.reply(msg.Chat.ID, "❌ Registration cancelled.")
}

func (d *Dispatcher) onNameInput(msg *tgbotapi.Message, conv *conversation) {
	name := strings.TrimSpace(msg.Text)
	if name == "" || utf8.RuneCountInString(name) > models.NameMaxLen {
		// невалидное имя — остаёмся в том же состоянии
		d.reply(msg.Chat.ID, "❌ Invalid device name. Please provide a name (max 100 characters).\nType /cancel to cancel.")
		return
	}
	conv.name = name
	conv.step = stateAwaitingSerial
	d.reply(msg.Chat.ID, fmt.Sprintf(
		"Great! Now please send me the serial number for '%s'.\n\nThis is usually a unique identifier for your device.", name))
}

func (d *Dispatcher) onSerialInput(msg *tgbotapi.Message, conv *conversation) {
	serial := strings.TrimSpace(msg.Text)
	if serial == "" || utf8.RuneCountInString(serial) > models.SerialMaxLen {
		d.reply(msg.Chat.ID, "❌ Invalid serial number. Please provide a valid serial number (max 100 characters).\nType /cancel to cancel.")
		return
	}

	dev, rej := d.intake.Submit(conv.name, serial, botOS, botBrowser, botIP)
	if rej != nil {
		switch rej.Kind {
		case intake.DuplicateSerial:
			// серийник занят — даём попробовать другой, диалог не роняем
			d.reply(msg.Chat.ID, fmt.Sprintf(
				"❌ Serial number %s is already registered.\nPlease provide a different serial number or type /cancel.", serial))
		case intake.ValidationFailed:
			d.reply(msg.Chat.ID, "❌ "+rej.Message+"\nPlease try again or type /cancel.")
		default:
			d.convs.clear(msg.From.ID)
			d.reply(msg.Chat.ID, "❌ An error occurred while registering your device. Please try again later.")
		}
		return
	}

	d.convs.clear(msg.From.ID)
	d.reply(msg.Chat.ID, fmt.Sprintf(
		"✅ Device Registered Successfully!\n\n"+
			"Device Name: %s\n"+
			"Serial Number: %s\n"+
			"OS: %s\n"+
			"Browser: %s\n\n"+
			"Your device has been registered and is awaiting admin authorization.",
		dev.Name, dev.Serial(), dev.OS, dev.Browser))
}

// ---------------------------------------------------------------- commands

func (d *Dispatcher) cmdStart(msg *tgbotapi.Message) {
	name := msg.From.FirstName
	text := fmt.Sprintf(
		"👋 Welcome %s!\n\n"+
			"Device Registration Portal\n\n"+
			"I can help you:\n"+
			"• Register your device\n"+
			"• View registered devices\n"+
			"• Check device statistics\n\n"+
			"Use /help to see all available commands.", name)
	d.replyWithMenu(msg.Chat.ID, text)
}

func (d *Dispatcher) cmdHelp(msg *tgbotapi.Message) {
	d.sendHelp(msg.Chat.ID)
}

func (d *Dispatcher) sendHelp(chatID int64) {
	text := "🤖 Bot Commands:\n\n" +
		"/start - Start the bot and see main menu\n" +
		"/register - Register your device\n" +
		"/devices - View all registered devices\n" +
		"/stats - View device statistics\n" +
		"/app - Get web portal link\n" +
		"/help - Show this help message"
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔙 Back to Main Menu", "main_menu"),
		),
	)
	d.send(out)
}

func (d *Dispatcher) cmdApp(msg *tgbotapi.Message) {
	if d.portalURL == "" {
		d.reply(msg.Chat.ID, "Web portal URL is not configured.")
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID,
		"Click the button below to open the device registration portal:\n\nOr copy this link: "+d.portalURL)
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("🔗 Open Web Portal", d.portalURL),
		),
	)
	d.send(out)
}

func (d *Dispatcher) cmdDevices(msg *tgbotapi.Message) {
	d.sendDeviceList(msg.Chat.ID, 20)
}

func (d *Dispatcher) sendDeviceList(chatID int64, limit int) {
	devices, err := d.reg.List(limit)
	if err != nil {
		logs.Logger.Errorf("list devices: %v", err)
		d.reply(chatID, "❌ An error occurred while fetching devices.")
		return
	}
	if len(devices) == 0 {
		d.reply(chatID, "📱 No devices registered yet.")
		return
	}

	var b strings.Builder
	b.WriteString("📱 Registered Devices\n\n")
	for _, dev := range devices {
		fmt.Fprintf(&b, "🆔 ID: %d\n📛 Name: %s\n💻 OS: %s\n🌐 Browser: %s\n📅 Registered: %s\n\n",
			dev.ID, dev.Name, dev.OS, dev.Browser, dev.RegisteredAt.Format("2006-01-02 15:04:05"))
	}
	for _, chunk := range splitMessage(b.String()) {
		d.reply(chatID, chunk)
	}
}

func (d *Dispatcher) cmdStats(msg *tgbotapi.Message) {
	st, err := d.reg.Stats()
	if err != nil {
		logs.Logger.Errorf("device stats: %v", err)
		d.reply(msg.Chat.ID, "❌ An error occurred while fetching statistics.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Device Statistics\n\n📱 Total Devices: %d\n\n", st.Total)
	if len(st.ByOS) > 0 {
		b.WriteString("By Operating System:\n")
		for osName, n := range st.ByOS {
			fmt.Fprintf(&b, "  • %s: %d\n", osName, n)
		}
		b.WriteString("\n")
	}
	if len(st.ByBrowser) > 0 {
		b.WriteString("By Browser:\n")
		for browser, n := range st.ByBrowser {
			fmt.Fprintf(&b, "  • %s: %d\n", browser, n)
		}
	}
	d.reply(msg.Chat.ID, b.String())
}

// ---------------------------------------------------------------- callbacks

func (d *Dispatcher) cbRegister(q *tgbotapi.CallbackQuery) {
	conv := d.convs.get(q.From.ID)
	conv.step = stateAwaitingName
	conv.name = ""
	if q.Message != nil {
		d.reply(q.Message.Chat.ID, registerPrompt)
	}
}

func (d *Dispatcher) cbDevices(q *tgbotapi.CallbackQuery) {
	if q.Message != nil {
		d.sendDeviceList(q.Message.Chat.ID, 10)
	}
}

func (d *Dispatcher) cbHelp(q *tgbotapi.CallbackQuery) {
	if q.Message != nil {
		d.sendHelp(q.Message.Chat.ID)
	}
}

func (d *Dispatcher) cbMainMenu(q *tgbotapi.CallbackQuery) {
	if q.Message != nil {
		d.replyWithMenu(q.Message.Chat.ID, defaultHint)
	}
}

// ---------------------------------------------------------------- send

func (d *Dispatcher) reply(chatID int64, text string) {
	d.send(tgbotapi.NewMessage(chatID, text))
}

func (d *Dispatcher) replyWithMenu(chatID int64, text string) {
	out := tgbotapi.NewMessage(chatID, text)
	rows := [][]tgbotapi.InlineKeyboardButton{}
	if d.portalURL != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("🔗 Web Portal Link", d.portalURL),
		))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📱 Register Device", "register")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 View Devices", "devices")),
	)
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	d.send(out)
}

func (d *Dispatcher) send(c tgbotapi.Chattable) {
	if _, err := d.sender.Send(c); err != nil {
		// доставкой владеет платформа, мы только логируем
		logs.Logger.Errorf("telegram send: %v", err)
	}
}

// splitMessage режет текст под лимит платформы. Лимит в символах,
// резать можно только по границе руны.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxMessageLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > maxMessageLen {
		chunks = append(chunks, string(runes[:maxMessageLen]))
		runes = runes[maxMessageLen:]
	}
	return append(chunks, string(runes))
}
