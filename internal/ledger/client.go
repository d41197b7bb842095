// Package ledger предоставляет клиент внешнего реестра бонусных баллов.
//
// Реестр — авторитетный источник баланса владельца. Протокол согласованности:
// прочитать текущий баланс, затем перезаписать его полным новым значением
// (перезапись, не инкремент). Между чтением и записью нет блокировки, поэтому
// одновременные корректировки одного владельца могут гоняться — это известное
// и задокументированное ограничение исходного протокола, а не скрытый дефект.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sethvargo/go-retry"
)

const (
	requestTimeout = 5 * time.Second

	// Параметры общей политики повторов: экспоненциальная задержка
	// с удвоением от базовой до потолка, фиксированное число попыток.
	retryBaseDelay = 500 * time.Millisecond
	retryCapDelay  = 5 * time.Second
	maxRetries     = 3

	// notifyTemplate — шаблон push-уведомления владельцу.
	notifyTemplate = "Vous avez gagné {points} points de fidélité"
)

// Client инкапсулирует HTTP-взаимодействие с внешним реестром баллов.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	newBackoff func() retry.Backoff
}

// NewClient создаёт клиент реестра по указанному адресу. Транспортные обрывы
// повторяются на уровне HTTP-клиента; политику повторов уровня операции
// реализует withRetry.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 1
	rc.Logger = nil
	rc.HTTPClient.Timeout = requestTimeout
	// Транспортный слой повторяет только обрывы соединения; политика по
	// HTTP-статусам принадлежит обёртке withRetry.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
		newBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(maxRetries,
				retry.WithCappedDuration(retryCapDelay, retry.NewExponential(retryBaseDelay)))
		},
	}
}

type balancePayload struct {
	Balance int64 `json:"balance"`
}

type notifyPayload struct {
	OwnerToken string `json:"ownerToken"`
	Message    string `json:"message"`
}

// FetchBalance запрашивает текущий баланс владельца на момент вызова.
// Неизвестный владелец трактуется как нулевой баланс.
func (c *Client) FetchBalance(ctx context.Context, ownerToken string) (int64, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("ledger client not configured")
	}

	var balance int64
	err := c.withRetry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/balances/"+ownerToken, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("do request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			balance = 0
			return nil
		}
		if err := checkStatus(resp.StatusCode); err != nil {
			return err
		}

		var payload balancePayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("decode balance: %w", err)
		}
		balance = payload.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// PushBalance перезаписывает баланс владельца полным новым значением.
// Вызывающая сторона всегда передаёт итоговую сумму, не дельту.
func (c *Client) PushBalance(ctx context.Context, ownerToken string, total int64) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("ledger client not configured")
	}

	body, err := json.Marshal(balancePayload{Balance: total})
	if err != nil {
		return fmt.Errorf("marshal balance: %w", err)
	}

	return c.withRetry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPut, "/api/balances/"+ownerToken, body)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("do request: %w", err))
		}
		defer resp.Body.Close()

		return checkStatus(resp.StatusCode)
	})
}

// Notify отправляет владельцу шаблонное уведомление о начисленных баллах.
// Вызов выполняется с той же политикой повторов; его неуспех никак не влияет
// на итог транзакции.
func (c *Client) Notify(ctx context.Context, ownerToken string, pointsEarned int64) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("ledger client not configured")
	}

	message := strings.ReplaceAll(notifyTemplate, "{points}", strconv.FormatInt(pointsEarned, 10))
	body, err := json.Marshal(notifyPayload{OwnerToken: ownerToken, Message: message})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return c.withRetry(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/notifications", body)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("do request: %w", err))
		}
		defer resp.Body.Close()

		return checkStatus(resp.StatusCode)
	})
}

// withRetry — единая обёртка повторов с экспоненциальной задержкой,
// используемая всеми операциями клиента.
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.newBackoff(), fn)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return req, nil
}

// checkStatus преобразует HTTP-статус в ошибку: 5xx и 429 считаются
// временными и повторяются, остальные неуспехи — терминальные.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("ledger unavailable: status %d", code))
	default:
		return fmt.Errorf("unexpected status: %d", code)
	}
}
