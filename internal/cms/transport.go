package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/seopilot/internal/model"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout         = 15 * time.Second
	defaultMaxResponseSize = 5 * 1024 * 1024
	// errorBodyLimit はエラーメッセージとして取り込むレスポンスボディの上限。
	errorBodyLimit = 512
)

// Observer はCMS呼び出しの計測を受け取る。
type Observer interface {
	ObserveCMSRequest(platform, op string, duration time.Duration, kind ErrorKind)
}

// transport はアダプタ共通のHTTP送信処理。
// レート制限の待機、タイムアウト、ステータス分類、計測をまとめて行う。
type transport struct {
	platform model.Platform
	client   *http.Client
	limiter  *rate.Limiter
	observer Observer
	timeout  time.Duration
	maxBody  int64
}

func newTransport(platform model.Platform, conn *model.Connection, deps Deps) *transport {
	client := deps.Client
	if client == nil {
		client = &http.Client{}
	}
	t := &transport{
		platform: platform,
		client:   client,
		observer: deps.Observer,
		timeout:  deps.Timeout,
		maxBody:  deps.MaxResponseSize,
	}
	if t.timeout <= 0 {
		t.timeout = defaultTimeout
	}
	if t.maxBody <= 0 {
		t.maxBody = defaultMaxResponseSize
	}
	if deps.Limiters != nil {
		t.limiter = deps.Limiters.Get(conn.ID)
	}
	return t
}

// request はHTTPリクエストを送信し、2xxの場合はボディを返す。
// 2xx以外は*Errorに変換する。bodyがnilでなければJSONとして送信する。
func (t *transport) request(ctx context.Context, op, method, url string, body any, header http.Header) (respBody []byte, err error) {
	start := time.Now()
	defer func() {
		if t.observer != nil {
			kind, _ := KindOf(err)
			t.observer.ObserveCMSRequest(string(t.platform), op, time.Since(start), kind)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindRateLimited, Platform: t.platform, Op: op, Message: "レート制限の待機がタイムアウトしました", Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindValidationRejected, Platform: t.platform, Op: op, Message: "リクエストの生成に失敗しました", Err: err}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &Error{Kind: KindValidationRejected, Platform: t.platform, Op: op, Message: "不正なURLです", Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(t.platform, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, classifyTransportError(t.platform, op, err)
	}

	if kind := ClassifyHTTPStatus(resp.StatusCode); kind != "" {
		msg := strings.TrimSpace(string(data))
		msg = truncateUTF8(msg, errorBodyLimit)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{
			Kind:       kind,
			Platform:   t.platform,
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    msg,
		}
	}
	return data, nil
}

// requestJSON はrequestを実行し、レスポンスをoutにデコードする。
func (t *transport) requestJSON(ctx context.Context, op, method, url string, body any, header http.Header, out any) error {
	data, err := t.request(ctx, op, method, url, body, header)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindTransient, Platform: t.platform, Op: op, Message: fmt.Sprintf("レスポンスの解析に失敗しました: %v", err), Err: err}
	}
	return nil
}

// truncateUTF8 はsを最大limitバイトに切り詰める。マルチバイト文字の途中では切らない。
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
