package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.SendText(context.Background(), "💰【Gold premium below -1%】"); err != nil {
		t.Fatalf("Telegram SendText 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] != "💰【Gold premium below -1%】" {
		t.Fatalf("text 不正确: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.SendText(context.Background(), "hello"); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestOneBotNotifierPlainText(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("Authorization 不正确: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	notifier := NewOneBotNotifier(OneBotOptions{URL: srv.URL, Token: "secret", GroupID: 12345}, testLogger())
	if err := notifier.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("OneBot SendText 应成功: %v", err)
	}
	if body["group_id"] != float64(12345) {
		t.Fatalf("group_id 不正确: %#v", body)
	}
	if body["message"] != "hello" {
		t.Fatalf("message 应为纯文本: %#v", body["message"])
	}
}

func TestOneBotNotifierMentionsUser(t *testing.T) {
	var body struct {
		Message []onebotSegment `json:"message"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
	}))
	defer srv.Close()

	notifier := NewOneBotNotifier(OneBotOptions{URL: srv.URL, GroupID: 1, AtUser: "10001"}, testLogger())
	if err := notifier.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("OneBot SendText 应成功: %v", err)
	}
	if len(body.Message) != 2 {
		t.Fatalf("应有两个消息段: %#v", body.Message)
	}
	if body.Message[0].Type != "text" || body.Message[0].Data["text"] != "hello\n\n" {
		t.Fatalf("文本段不正确: %#v", body.Message[0])
	}
	if body.Message[1].Type != "at" || body.Message[1].Data["qq"] != "10001" {
		t.Fatalf("at 段不正确: %#v", body.Message[1])
	}
}

func TestOneBotNotifierRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewOneBotNotifier(OneBotOptions{URL: srv.URL, GroupID: 1}, testLogger())
	if err := notifier.SendText(context.Background(), "hello"); err == nil {
		t.Fatal("502 应报错")
	}
}

func TestMultiReportsAcceptedChannels(t *testing.T) {
	ctrl := gomock.NewController(t)
	down := NewMockNotifier(ctrl)
	up := NewMockNotifier(ctrl)
	down.EXPECT().SendText(gomock.Any(), "hello").Return(errors.New("timeout"))
	up.EXPECT().SendText(gomock.Any(), "hello").Return(nil)

	multi := NewMulti(testLogger(), Channel{Name: "onebot", Notifier: down}, Channel{Name: "telegram", Notifier: up})
	accepted, err := multi.Deliver(context.Background(), "hello")
	if err != nil {
		t.Fatalf("有渠道成功时不应报错: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != "telegram" {
		t.Fatalf("accepted 不正确: %v", accepted)
	}
}

func TestMultiFailsWhenNothingAccepted(t *testing.T) {
	ctrl := gomock.NewController(t)
	down := NewMockNotifier(ctrl)
	down.EXPECT().SendText(gomock.Any(), gomock.Any()).Return(errors.New("timeout"))

	multi := NewMulti(testLogger(), Channel{Name: "onebot", Notifier: down})
	err := multi.SendText(context.Background(), "hello")
	if !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("应返回 ErrNotAccepted, 实际 %v", err)
	}
}

func TestLogNotifierAlwaysAccepts(t *testing.T) {
	if err := NewLogNotifier(testLogger()).SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("LogNotifier 不应报错: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
