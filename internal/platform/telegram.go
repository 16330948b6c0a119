package platform

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/model"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// telegramPublisher posts to a Telegram chat or channel.
type telegramPublisher struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func newTelegram(cfg Config, log logx.Logger) (publish.Publisher, error) {
	token := cfg.token()
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Send-only bot: no poller, we never consume updates.
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &telegramPublisher{bot: b, chatID: cfg.ChatID, log: log}, nil
}

func (t *telegramPublisher) Publish(ctx context.Context, content model.PostContent) publish.Result {
	// telebot's Send has no ctx parameter; honor cancellation before the
	// call and let the orchestrator's timeout bound the overall attempt.
	select {
	case <-ctx.Done():
		return publish.Result{Err: ctx.Err().Error(), Retryable: true}
	default:
	}

	msg, err := t.bot.Send(&tele.Chat{ID: t.chatID}, renderTelegramText(content), &tele.SendOptions{
		DisableWebPagePreview: len(content.MediaURLs) == 0,
	})
	if err != nil {
		return publish.Result{Err: err.Error(), Retryable: telegramRetryable(err)}
	}
	return publish.Result{
		Success:        true,
		ExternalPostID: strconv.Itoa(msg.ID),
		URL:            messageURL(t.chatID, msg.ID),
	}
}

// renderTelegramText flattens the content into a single message: body,
// media links, then hashtags.
func renderTelegramText(c model.PostContent) string {
	var b strings.Builder
	b.WriteString(c.Text)
	for _, u := range c.MediaURLs {
		b.WriteString("\n")
		b.WriteString(u)
	}
	if len(c.Hashtags) > 0 {
		b.WriteString("\n")
		for i, h := range c.Hashtags {
			if i > 0 {
				b.WriteString(" ")
			}
			if !strings.HasPrefix(h, "#") {
				b.WriteString("#")
			}
			b.WriteString(h)
		}
	}
	return b.String()
}

// telegramRetryable treats client-side rejections (bad chat, blocked bot,
// unparseable content) as permanent and everything else as transient.
func telegramRetryable(err error) bool {
	var teleErr *tele.Error
	if errors.As(err, &teleErr) {
		return teleErr.Code >= 500 || teleErr.Code == 429
	}
	return true
}

// messageURL builds the t.me link for supergroup/channel posts.
// Private chats have no stable public URL; return "".
func messageURL(chatID int64, msgID int) string {
	const superPrefix = -1000000000000
	if chatID > superPrefix {
		return ""
	}
	internal := -chatID + superPrefix
	return "https://t.me/c/" + strconv.FormatInt(internal, 10) + "/" + strconv.Itoa(msgID)
}
