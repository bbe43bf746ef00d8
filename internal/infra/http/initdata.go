package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// WebAppUser — пользователь Telegram, извлечённый из initData Mini App.
type WebAppUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type ctxKey int

const userCtxKey ctxKey = iota

// WebAppAuthMiddleware проверяет подпись initData по токену бота
// и кладёт пользователя в контекст запроса.
func WebAppAuthMiddleware(botToken string, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			initData := r.URL.Query().Get("init_data")
			if initData == "" {
				WriteError(w, http.StatusUnauthorized, errors.New("init_data отсутствует"))
				return
			}
			user, err := ValidateInitData(initData, botToken, ttl)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, err)
				return
			}
			ctx := context.WithValue(r.Context(), userCtxKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom возвращает пользователя, положенного WebAppAuthMiddleware.
func UserFrom(ctx context.Context) (WebAppUser, bool) {
	user, ok := ctx.Value(userCtxKey).(WebAppUser)
	return user, ok
}

// ValidateInitData проверяет подпись и срок годности initData Mini App.
// Строка проверки строится из отсортированных пар без hash, ключ подписи —
// HMAC-SHA256 от токена бота с ключом "WebAppData".
func ValidateInitData(initData, botToken string, ttl time.Duration) (WebAppUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return WebAppUser{}, fmt.Errorf("init_data не разбирается: %w", err)
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return WebAppUser{}, errors.New("init_data без подписи")
	}

	pairs := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	expected, err := hex.DecodeString(gotHash)
	if err != nil {
		return WebAppUser{}, errors.New("подпись не в hex")
	}
	if !hmac.Equal(mac.Sum(nil), expected) {
		return WebAppUser{}, errors.New("подпись недействительна")
	}

	if ttl > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return WebAppUser{}, errors.New("auth_date отсутствует")
		}
		if time.Since(time.Unix(authDate, 0)) > ttl {
			return WebAppUser{}, errors.New("init_data устарела")
		}
	}

	var user WebAppUser
	if raw := values.Get("user"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return WebAppUser{}, fmt.Errorf("поле user не разбирается: %w", err)
		}
	}
	if user.ID == 0 {
		return WebAppUser{}, errors.New("init_data без пользователя")
	}
	return user, nil
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}
