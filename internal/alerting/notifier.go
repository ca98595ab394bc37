package alerting

//go:generate mockgen -package=alerting -destination=mock_notifier_test.go -source=notifier.go Notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const defaultSendTimeout = 10 * time.Second

// ErrNotAccepted is returned by Multi when no channel accepted a message.
var ErrNotAccepted = errors.New("no notification channel accepted the message")

// Notifier 定义告警输送接口。nil 表示渠道已接收。
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// SendText 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) SendText(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Int("chars", len(text)).Msg("告警已发送 (Telegram)")
	return nil
}

// OneBotNotifier 通过 OneBot HTTP 接口向 QQ 群推送消息。
type OneBotNotifier struct {
	client  *resty.Client
	url     string
	groupID int64
	atUser  string
	logger  zerolog.Logger
}

// OneBotOptions configures an OneBotNotifier.
type OneBotOptions struct {
	URL     string
	Token   string
	GroupID int64
	// AtUser, when set, is mentioned at the end of every message.
	AtUser  string
	Timeout time.Duration
}

// NewOneBotNotifier 构造 QQ 群告警器。
func NewOneBotNotifier(opts OneBotOptions, logger zerolog.Logger) *OneBotNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSendTimeout
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	return &OneBotNotifier{
		client:  client,
		url:     opts.URL,
		groupID: opts.GroupID,
		atUser:  opts.AtUser,
		logger:  logger.With().Str("component", "alert_onebot").Logger(),
	}
}

type onebotSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

type onebotMessage struct {
	GroupID int64 `json:"group_id"`
	Message any   `json:"message"`
}

// SendText 调用 send_group_msg 推送文本，HTTP 200 视为成功。
func (n *OneBotNotifier) SendText(ctx context.Context, text string) error {
	payload := onebotMessage{GroupID: n.groupID, Message: text}
	if n.atUser != "" {
		payload.Message = []onebotSegment{
			{Type: "text", Data: map[string]string{"text": text + "\n\n"}},
			{Type: "at", Data: map[string]string{"qq": n.atUser}},
		}
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("send onebot request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("onebot 响应码异常: %d", resp.StatusCode())
	}

	n.logger.Info().Int64("group_id", n.groupID).Msg("告警已发送 (OneBot)")
	return nil
}

// LogNotifier writes messages to the logger. It always accepts.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier backed by logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) SendText(_ context.Context, text string) error {
	n.logger.Info().Str("text", text).Msg("alert")
	return nil
}

// Channel is a named notifier.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Multi fans a message out to every channel.
type Multi struct {
	channels []Channel
	logger   zerolog.Logger
}

// NewMulti builds a fan-out notifier.
func NewMulti(logger zerolog.Logger, channels ...Channel) *Multi {
	return &Multi{channels: channels, logger: logger.With().Str("component", "alert_multi").Logger()}
}

// Channels lists the channel names in order.
func (m *Multi) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, c := range m.channels {
		names = append(names, c.Name)
	}
	return names
}

// Deliver sends text to every channel and returns the names that accepted it.
// A failing channel does not stop the others.
func (m *Multi) Deliver(ctx context.Context, text string) ([]string, error) {
	var (
		accepted []string
		errs     []error
	)
	for _, c := range m.channels {
		if err := c.Notifier.SendText(ctx, text); err != nil {
			m.logger.Error().Err(err).Str("channel", c.Name).Msg("告警发送失败")
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		accepted = append(accepted, c.Name)
	}
	if len(accepted) == 0 {
		errs = append(errs, ErrNotAccepted)
		return nil, errors.Join(errs...)
	}
	return accepted, nil
}

// SendText succeeds when at least one channel accepted the message.
func (m *Multi) SendText(ctx context.Context, text string) error {
	_, err := m.Deliver(ctx, text)
	return err
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*OneBotNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
