// Package middleware содержит HTTP middleware реестра баллов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 12 * time.Hour
)

// AuthMiddleware проверяет подписанный cookie с идентичностью оператора.
// Cookie выпускает внешний сервис входа с тем же секретом.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете генерируется случайный ключ.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет оператора в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.ParseToken(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для оператора.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, actor model.Actor) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.Token(actor),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// Token возвращает подписанное значение вида "<id>.<team>.<hmac>".
func (a *AuthMiddleware) Token(actor model.Actor) string {
	payload := strconv.FormatInt(actor.ID, 10) + "." + actor.Team
	return payload + "." + a.sign(payload)
}

// ParseToken проверяет подпись и разбирает оператора из значения cookie.
func (a *AuthMiddleware) ParseToken(value string) (model.Actor, bool) {
	sep := strings.LastIndex(value, ".")
	if sep <= 0 {
		return model.Actor{}, false
	}
	payload, signature := value[:sep], value[sep+1:]

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return model.Actor{}, false
	}

	idStr, team, ok := strings.Cut(payload, ".")
	if !ok {
		return model.Actor{}, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return model.Actor{}, false
	}

	return model.Actor{ID: id, Team: team}, true
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetActorFromContext извлекает оператора из контекста запроса.
func GetActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}

// WithActor кладёт оператора в контекст. Нужен для вызовов в обход cookie, например в тестах.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}
