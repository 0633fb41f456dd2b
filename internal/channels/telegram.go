package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tasklink/internal/auth"
	"github.com/basket/tasklink/internal/identity"
	"github.com/basket/tasklink/internal/store"
	"github.com/basket/tasklink/internal/syncer"
	"github.com/basket/tasklink/internal/tracker"
)

// Tracker is the outbound tracker surface the channel needs for mirroring
// and for user-initiated status writes.
type Tracker interface {
	CreateTask(ctx context.Context, t tracker.NewTask) (int64, error)
	UpdateTaskStatus(ctx context.Context, id int64, statusCode string) error
	AddComment(ctx context.Context, taskID int64, text string) error
}

// Syncer triggers a reconciliation cycle on demand (/sync).
type Syncer interface {
	RunCycle(ctx context.Context) (syncer.CycleResult, error)
}

// Identity is the identity-cache surface for /link, /unlink and /refresh.
type Identity interface {
	Resolve(ctx context.Context, telegramID string) (int64, bool)
	Link(ctx context.Context, telegramID string, trackerUserID int64) error
	Unlink(ctx context.Context, telegramID string) error
	Refresh(ctx context.Context) (int, error)
}

// Config holds the channel's wiring.
type Config struct {
	Token         string
	AllowedIDs    []int64 // empty allows everyone
	ChannelChatID int64
	ResponsibleID int64
	GroupID       int64
}

// Telegram runs the bot command loop and delivers notifications. It
// implements the syncer Gateway.
type Telegram struct {
	cfg        Config
	allowedIDs map[int64]struct{}
	store      *store.Store
	tracker    Tracker
	ident      Identity
	sync       Syncer
	guard      *auth.Guard
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

func NewTelegram(cfg Config, st *store.Store, tr Tracker, ident Identity, sync Syncer, guard *auth.Guard, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	return &Telegram{
		cfg:        cfg,
		allowedIDs: allowed,
		store:      st,
		tracker:    tr,
		ident:      ident,
		sync:       sync,
		guard:      guard,
		logger:     logger,
	}
}

func (t *Telegram) Name() string {
	return "telegram"
}

func (t *Telegram) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If nothing arrives for 2.5
	// minutes the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied",
						"user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// SendDirect delivers a private message to a telegram user.
func (t *Telegram) SendDirect(userID int64, text string) error {
	msg := tgbotapi.NewMessage(userID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send direct message: %w", err)
	}
	return nil
}

// SendChannelReply posts a reply to the original task message in its chat.
// A zero messageID posts a plain chat message instead.
func (t *Telegram) SendChannelReply(chatID int64, messageID int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if messageID != 0 {
		msg.ReplyToMessageID = messageID
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send channel reply: %w", err)
	}
	return nil
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}

	user, err := t.guard.Identify(ctx, strconv.FormatInt(msg.From.ID, 10), msg.From.UserName, msg.From.FirstName)
	if err != nil {
		t.logger.Error("user identification failed", "error", err)
		t.reply(msg.Chat.ID, "Internal error, try again later.")
		return
	}

	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start", "help":
		t.reply(msg.Chat.ID, usageText(user.Role == store.RoleAdmin))
	case "task":
		t.cmdTask(ctx, msg, args)
	case "mytasks":
		t.cmdMyTasks(ctx, msg)
	case "chat_tasks":
		t.cmdChatTasks(ctx, msg)
	case "projects":
		t.cmdProjects(ctx, msg)
	case "done":
		t.cmdDone(ctx, msg, user, args)
	case "link":
		t.admin(ctx, msg, user, func() { t.cmdLink(ctx, msg, args) })
	case "unlink":
		t.admin(ctx, msg, user, func() { t.cmdUnlink(ctx, msg, args) })
	case "sync":
		t.admin(ctx, msg, user, func() { t.cmdSync(ctx, msg) })
	case "refresh":
		t.admin(ctx, msg, user, func() { t.cmdRefresh(ctx, msg) })
	case "role":
		t.admin(ctx, msg, user, func() { t.cmdRole(ctx, msg, args) })
	case "stats":
		t.admin(ctx, msg, user, func() { t.cmdStats(ctx, msg) })
	case "employee":
		t.admin(ctx, msg, user, func() { t.cmdEmployee(ctx, msg, args) })
	default:
		t.reply(msg.Chat.ID, "Unknown command. Send /help for usage.")
	}
}

// admin runs fn only when the caller holds the admin role.
func (t *Telegram) admin(ctx context.Context, msg *tgbotapi.Message, user store.User, fn func()) {
	if err := t.guard.Require(user, store.RoleAdmin); err != nil {
		t.reply(msg.Chat.ID, "This command requires admin access.")
		return
	}
	fn()
}

func (t *Telegram) cmdTask(ctx context.Context, msg *tgbotapi.Message, args string) {
	taskType, title, description, project, err := ParseTaskArgs(args)
	if err != nil {
		t.reply(msg.Chat.ID, "Usage: /task [bug|requirement|consultation] <title> [#project] [- description]")
		return
	}

	task, err := t.store.CreateTask(ctx, store.Task{
		TelegramMessageID: int64(msg.MessageID),
		TelegramChatID:    msg.Chat.ID,
		TelegramUserID:    msg.From.ID,
		Title:             title,
		Description:       description,
		Type:              taskType,
		Project:           project,
	})
	if err != nil {
		t.logger.Error("task creation failed", "error", err)
		t.reply(msg.Chat.ID, "Could not save the task, try again later.")
		return
	}

	trackerID, err := t.mirrorTask(ctx, msg, task)
	if err != nil {
		t.logger.Warn("task not mirrored, kept local-only", "task_id", task.ID, "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Task #%d saved. Tracker is unreachable, it will stay local for now.", task.ID))
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("Task #%d created and filed in the tracker (#%d).", task.ID, trackerID))
}

// mirrorTask creates the remote twin for a fresh task. Failure leaves the
// task local-only; it is not retried automatically.
func (t *Telegram) mirrorTask(ctx context.Context, msg *tgbotapi.Message, task store.Task) (int64, error) {
	newTask := tracker.NewTask{
		Title:         task.Title,
		Description:   task.Description,
		Priority:      TaskPriority(task.Type),
		ResponsibleID: t.cfg.ResponsibleID,
		GroupID:       t.cfg.GroupID,
	}
	if id, ok := t.ident.Resolve(ctx, strconv.FormatInt(msg.From.ID, 10)); ok {
		newTask.Accomplices = []int64{id}
	}

	trackerID, err := t.tracker.CreateTask(ctx, newTask)
	if err != nil {
		return 0, err
	}
	if err := t.store.SetTrackerTaskID(ctx, task.ID, trackerID); err != nil {
		// The remote task exists but the link did not persist; surface it
		// so an operator can link manually.
		return 0, fmt.Errorf("record tracker id %d: %w", trackerID, err)
	}

	reporter := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	comment := fmt.Sprintf("Reported via telegram by %s (@%s).", reporter, msg.From.UserName)
	if err := t.tracker.AddComment(ctx, trackerID, comment); err != nil {
		t.logger.Warn("reporter comment not attached", "tracker_task_id", trackerID, "error", err)
	}
	return trackerID, nil
}

func (t *Telegram) cmdMyTasks(ctx context.Context, msg *tgbotapi.Message) {
	tasks, err := t.store.ListUserTasks(ctx, msg.From.ID, 20)
	if err != nil {
		t.logger.Error("list user tasks failed", "error", err)
		t.reply(msg.Chat.ID, "Could not load your tasks.")
		return
	}
	t.reply(msg.Chat.ID, FormatTaskList("Your tasks", tasks))
}

func (t *Telegram) cmdChatTasks(ctx context.Context, msg *tgbotapi.Message) {
	tasks, err := t.store.ListChatTasks(ctx, msg.Chat.ID, 20)
	if err != nil {
		t.logger.Error("list chat tasks failed", "error", err)
		t.reply(msg.Chat.ID, "Could not load this chat's tasks.")
		return
	}
	t.reply(msg.Chat.ID, FormatTaskList("Open tasks in this chat", tasks))
}

func (t *Telegram) cmdProjects(ctx context.Context, msg *tgbotapi.Message) {
	projects, err := t.store.ListProjects(ctx, msg.Chat.ID)
	if err != nil {
		t.logger.Error("list projects failed", "error", err)
		t.reply(msg.Chat.ID, "Could not load this chat's projects.")
		return
	}
	t.reply(msg.Chat.ID, FormatProjects(projects))
}

func (t *Telegram) cmdDone(ctx context.Context, msg *tgbotapi.Message, user store.User, args string) {
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		t.reply(msg.Chat.ID, "Usage: /done <task id>")
		return
	}
	task, err := t.store.GetTask(ctx, id)
	if err != nil {
		t.reply(msg.Chat.ID, fmt.Sprintf("Task #%d not found.", id))
		return
	}
	if task.TelegramUserID != msg.From.ID && user.Role != store.RoleAdmin {
		t.reply(msg.Chat.ID, "Only the reporter or an admin can close a task.")
		return
	}

	if _, err := t.store.UpdateTaskStatus(ctx, id, store.TaskStatusCompleted); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			t.reply(msg.Chat.ID, fmt.Sprintf("Task #%d is already closed.", id))
			return
		}
		t.logger.Error("close task failed", "task_id", id, "error", err)
		t.reply(msg.Chat.ID, "Could not close the task.")
		return
	}

	// Push the change outbound; a failure here is picked up by operators,
	// the local record is already closed.
	if task.Mirrored() {
		code, _ := syncer.RemoteStatusCode(store.TaskStatusCompleted)
		if err := t.tracker.UpdateTaskStatus(ctx, *task.TrackerTaskID, code); err != nil {
			t.logger.Warn("remote status not updated", "task_id", id, "tracker_task_id", *task.TrackerTaskID, "error", err)
			t.reply(msg.Chat.ID, fmt.Sprintf("Task #%d closed locally; the tracker could not be updated.", id))
			return
		}
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("Task #%d closed.", id))
}

func (t *Telegram) cmdLink(ctx context.Context, msg *tgbotapi.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		t.reply(msg.Chat.ID, "Usage: /link <tracker user id> <telegram id>")
		return
	}
	trackerUserID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		t.reply(msg.Chat.ID, "Tracker user id must be a number.")
		return
	}
	telegramID := fields[1]

	if err := t.ident.Link(ctx, telegramID, trackerUserID); err != nil {
		if errors.Is(err, identity.ErrLinkConflict) {
			t.reply(msg.Chat.ID, "That telegram account is already linked to another tracker user. Unlink it first.")
			return
		}
		t.logger.Error("link failed", "telegram_id", telegramID, "tracker_user_id", trackerUserID, "error", err)
		t.reply(msg.Chat.ID, "Link failed, the tracker could not be updated.")
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("Linked telegram %s to tracker user %d.", telegramID, trackerUserID))
}

func (t *Telegram) cmdUnlink(ctx context.Context, msg *tgbotapi.Message, args string) {
	telegramID := strings.TrimSpace(args)
	if telegramID == "" {
		t.reply(msg.Chat.ID, "Usage: /unlink <telegram id>")
		return
	}
	if err := t.ident.Unlink(ctx, telegramID); err != nil {
		t.logger.Error("unlink failed", "telegram_id", telegramID, "error", err)
		t.reply(msg.Chat.ID, "Unlink failed, the tracker could not be updated.")
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("Unlinked telegram %s.", telegramID))
}

func (t *Telegram) cmdSync(ctx context.Context, msg *tgbotapi.Message) {
	result, err := t.sync.RunCycle(ctx)
	if err != nil {
		t.logger.Error("manual sync failed", "error", err)
		t.reply(msg.Chat.ID, "Sync failed: "+err.Error())
		return
	}
	t.reply(msg.Chat.ID, FormatCycleResult(result))
}

func (t *Telegram) cmdRefresh(ctx context.Context, msg *tgbotapi.Message) {
	n, err := t.ident.Refresh(ctx)
	if err != nil {
		t.logger.Error("cache refresh failed", "error", err)
		t.reply(msg.Chat.ID, "Refresh failed, the tracker could not be reached.")
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("Identity cache refreshed: %d linked accounts.", n))
}

func (t *Telegram) cmdRole(ctx context.Context, msg *tgbotapi.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		t.reply(msg.Chat.ID, "Usage: /role <telegram id> <admin|client>")
		return
	}
	role := store.Role(fields[1])
	if role != store.RoleAdmin && role != store.RoleClient {
		t.reply(msg.Chat.ID, "Role must be admin or client.")
		return
	}
	if err := t.store.SetUserRole(ctx, fields[0], role); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			t.reply(msg.Chat.ID, "No such user. They need to message the bot first.")
			return
		}
		t.logger.Error("role change failed", "error", err)
		t.reply(msg.Chat.ID, "Role change failed.")
		return
	}
	t.reply(msg.Chat.ID, fmt.Sprintf("User %s is now %s.", fields[0], role))
}

func (t *Telegram) cmdStats(ctx context.Context, msg *tgbotapi.Message) {
	stats, err := t.store.Stats(ctx)
	if err != nil {
		t.logger.Error("stats failed", "error", err)
		t.reply(msg.Chat.ID, "Could not load stats.")
		return
	}
	t.reply(msg.Chat.ID, FormatStats(stats))
}

func (t *Telegram) cmdEmployee(ctx context.Context, msg *tgbotapi.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		t.reply(msg.Chat.ID, "Usage: /employee add <tracker user id> [telegram id] | /employee remove <telegram id> | /employee list")
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	switch fields[0] {
	case "add":
		if len(fields) < 2 {
			t.reply(msg.Chat.ID, "Usage: /employee add <tracker user id> [telegram id]")
			return
		}
		trackerUserID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			t.reply(msg.Chat.ID, "Tracker user id must be a number.")
			return
		}
		telegramID := fmt.Sprintf("pending_%d", trackerUserID)
		if len(fields) >= 3 {
			telegramID = fields[2]
		}
		if err := t.store.AddChatEmployee(ctx, store.ChatEmployee{
			ChatID:         chatID,
			TelegramUserID: telegramID,
			TrackerUserID:  trackerUserID,
		}); err != nil {
			t.logger.Error("employee add failed", "error", err)
			t.reply(msg.Chat.ID, "Could not add the employee mapping.")
			return
		}
		t.reply(msg.Chat.ID, fmt.Sprintf("Employee mapping added for tracker user %d.", trackerUserID))

	case "remove":
		if len(fields) != 2 {
			t.reply(msg.Chat.ID, "Usage: /employee remove <telegram id>")
			return
		}
		if err := t.store.RemoveChatEmployee(ctx, chatID, fields[1]); err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				t.reply(msg.Chat.ID, "No such mapping in this chat.")
				return
			}
			t.logger.Error("employee remove failed", "error", err)
			t.reply(msg.Chat.ID, "Could not remove the mapping.")
			return
		}
		t.reply(msg.Chat.ID, "Employee mapping removed.")

	case "list":
		employees, err := t.store.ListChatEmployees(ctx, chatID)
		if err != nil {
			t.logger.Error("employee list failed", "error", err)
			t.reply(msg.Chat.ID, "Could not load the mappings.")
			return
		}
		t.reply(msg.Chat.ID, FormatEmployees(employees))

	default:
		t.reply(msg.Chat.ID, "Usage: /employee add <tracker user id> [telegram id] | /employee remove <telegram id> | /employee list")
	}
}

func (t *Telegram) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
