package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"futures_bot/internal/models"
	"futures_bot/internal/modules/config"
)

const baseURL = "https://fapi.binance.com"

// Client — типизированный REST-клиент Binance USD-M futures. Каждый вызов
// разбирает строго заданную схему ответа; неожиданная форма — ошибка
// парсинга, не молчаливое приведение.
type Client struct {
	http       *http.Client
	apiKey     string
	apiSecret  string
	recvWindow int64
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		http:       &http.Client{Timeout: 10 * time.Second},
		apiKey:     cfg.Binance.APIKey,
		apiSecret:  cfg.Binance.APISecret,
		recvWindow: 5000,
	}
}

func (c *Client) sign(query string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

// signedRequest подписывает query-параметры и выполняет запрос.
// Не-2xx статус — models.VenueError: ответ биржи, а не транспортный сбой.
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "binance"+path)
	defer span.Finish()

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	query := params.Encode()
	query += "&signature=" + c.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		span.SetTag("error", true)
		var e apiError
		_ = sonic.Unmarshal(body, &e)
		return nil, &models.VenueError{HTTPStatus: resp.StatusCode, Code: e.Code, Msg: e.Msg}
	}

	return body, nil
}
