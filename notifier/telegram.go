package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"positionwatch/config"
	"positionwatch/internal/errs"
	"positionwatch/logger"
)

type telegramBot struct {
	name    string
	token   string
	chatID  string
	topicID int
	limiter *rate.Limiter
}

// Telegram fans a message out to every configured bot concurrently and
// succeeds when at least one bot accepted it.
type Telegram struct {
	apiURL string
	client *http.Client
	bots   []*telegramBot
	log    *logger.Log
}

func NewTelegram(cfg config.TelegramConfig) *Telegram {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	t := &Telegram{
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.GetLogger(),
	}
	for i, b := range cfg.Bots {
		t.bots = append(t.bots, &telegramBot{
			name:    config.BotName(b, i),
			token:   b.Token,
			chatID:  b.ChatID,
			topicID: b.TopicID,
			limiter: rate.NewLimiter(limit, burst),
		})
	}
	return t
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	MessageThreadID       int    `json:"message_thread_id,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (t *Telegram) targets(route string) []*telegramBot {
	if route == "" {
		return t.bots
	}
	var out []*telegramBot
	for _, b := range t.bots {
		if b.name == route {
			out = append(out, b)
		}
	}
	return out
}

func (t *Telegram) Deliver(ctx context.Context, text, route string) error {
	bots := t.targets(route)
	if len(bots) == 0 {
		return errs.Delivery("telegram", fmt.Errorf("no bot matches route %q", route))
	}

	results := make([]error, len(bots))
	var wg sync.WaitGroup
	for i, bot := range bots {
		wg.Add(1)
		go func(i int, bot *telegramBot) {
			defer wg.Done()
			results[i] = t.send(ctx, bot, text)
		}(i, bot)
	}
	wg.Wait()

	var failures []error
	for i, err := range results {
		if err != nil {
			t.log.WithComponent("notifier").WithError(err).WithField("bot", bots[i].name).Warn("telegram delivery failed")
			failures = append(failures, fmt.Errorf("%s: %w", bots[i].name, err))
		}
	}
	if len(failures) == len(bots) {
		return errs.Delivery("telegram", errors.Join(failures...))
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, bot *telegramBot, text string) error {
	if err := bot.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                bot.chatID,
		Text:                  text,
		MessageThreadID:       bot.topicID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, bot.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			// the url embeds the bot token
			err = urlErr.Err
		}
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram status %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}
