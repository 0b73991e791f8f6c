// auth.go — JWT middleware для аутентификации и авторизации Alliance Sync.
// Операторы (OIDC) получают роль по группам IdP, сервисные клиенты
// (Client Credentials) авторизуются по scopes.
// Подпись проверяется по JWKS IdP с фоновым обновлением ключей.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/alliance-sync/internal/api/errors"
	"github.com/bigkaa/alliance-sync/internal/domain/rbac"
)

const (
	jwksClientTimeout   = 10 * time.Second
	jwksRefreshInterval = 15 * time.Minute
)

type contextKey string

const (
	// ContextKeyClaims — извлечённые claims в контексте запроса.
	ContextKeyClaims contextKey = "jwt_claims"
)

// SubjectType — тип субъекта JWT.
type SubjectType string

const (
	// SubjectTypeUser — оператор (OIDC).
	SubjectTypeUser SubjectType = "user"
	// SubjectTypeSA — сервисный клиент (Client Credentials).
	SubjectTypeSA SubjectType = "service_account"
)

// AuthClaims — обработанные claims JWT.
type AuthClaims struct {
	Subject           string
	SubjectType       SubjectType
	PreferredUsername string

	// Groups — группы IdP оператора.
	Groups []string
	// Role — роль оператора (operator, viewer, "").
	Role string

	// Scopes — scopes сервисного клиента.
	Scopes   []string
	ClientID string
}

// HasRole проверяет, покрывает ли роль субъекта требуемую.
// operator покрывает viewer.
func (c *AuthClaims) HasRole(need string) bool {
	return rbac.Allows(c.Role, need)
}

// HasScope проверяет наличие указанного scope.
func (c *AuthClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAnyScope проверяет наличие хотя бы одного из указанных scopes.
func (c *AuthClaims) HasAnyScope(scopes ...string) bool {
	for _, scope := range scopes {
		if c.HasScope(scope) {
			return true
		}
	}
	return false
}

// Actor возвращает имя субъекта для журнала действий.
func (c *AuthClaims) Actor() string {
	switch {
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.ClientID != "":
		return c.ClientID
	}
	return c.Subject
}

// idpClaims — raw claims JWT.
type idpClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
	// Scope — scopes через пробел
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks           keyfunc.Keyfunc
	logger         *slog.Logger
	operatorGroups []string
	viewerGroups   []string
	issuer         string
	jwtLeeway      time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из IdP.
// Старт не требует доступности IdP: ключи подгрузятся фоновым обновлением.
func NewJWTAuth(
	jwksURL string,
	issuer string,
	operatorGroups, viewerGroups []string,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: jwksClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	auth := NewJWTAuthWithKeyfunc(k, issuer, operatorGroups, viewerGroups, logger)
	auth.jwtLeeway = jwtLeeway
	return auth, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewJWTAuthWithKeyfunc(
	kf keyfunc.Keyfunc,
	issuer string,
	operatorGroups, viewerGroups []string,
	logger *slog.Logger,
) *JWTAuth {
	return &JWTAuth{
		jwks:           kf,
		logger:         logger.With(slog.String("component", "jwt_auth")),
		operatorGroups: operatorGroups,
		viewerGroups:   viewerGroups,
		issuer:         issuer,
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, проверяет подпись (RS256) и помещает claims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			rawClaims := &idpClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(parts[1], rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if sub, err := rawClaims.GetSubject(); err != nil || sub == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, j.buildAuthClaims(rawClaims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildAuthClaims определяет тип субъекта и роль оператора.
func (j *JWTAuth) buildAuthClaims(raw *idpClaims) *AuthClaims {
	claims := &AuthClaims{
		Subject:           raw.Subject,
		PreferredUsername: raw.PreferredUsername,
	}

	if raw.ClientID != "" && raw.Scope != "" {
		claims.SubjectType = SubjectTypeSA
		claims.ClientID = raw.ClientID
		claims.Scopes = parseScopeString(raw.Scope)
		return claims
	}

	claims.SubjectType = SubjectTypeUser
	claims.Groups = raw.Groups
	claims.Role = rbac.MapGroupsToRole(claims.Groups, j.operatorGroups, j.viewerGroups)

	// Без подходящих групп роль берётся из realm_access.roles.
	if claims.Role == "" && raw.RealmAccess != nil {
		var mapped []string
		for _, r := range raw.RealmAccess.Roles {
			if rbac.IsValidRole(r) {
				mapped = append(mapped, r)
			}
		}
		claims.Role = rbac.HighestRole(mapped)
	}
	return claims
}

// parseScopeString разбирает строку scopes (через пробел).
func parseScopeString(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// --- RBAC middleware helpers ---

// RequireRole пропускает операторов с ролью не ниже need.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireRole(need string) func(http.Handler) http.Handler {
	return RequireRoleOrScope(need)
}

// RequireScope пропускает сервисных клиентов с одним из scopes.
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return RequireRoleOrScope("", scopes...)
}

// RequireRoleOrScope пропускает операторов с ролью не ниже role
// ИЛИ сервисных клиентов с одним из scopes. Пустая role закрывает доступ операторам.
func RequireRoleOrScope(role string, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}

			switch claims.SubjectType {
			case SubjectTypeUser:
				if role != "" && claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
				if role == "" {
					apierrors.Forbidden(w, "Доступ разрешён только для сервисных клиентов")
					return
				}
				apierrors.Forbidden(w, "Недостаточно прав: требуется роль "+role)

			case SubjectTypeSA:
				if len(scopes) > 0 && claims.HasAnyScope(scopes...) {
					next.ServeHTTP(w, r)
					return
				}
				if len(scopes) == 0 {
					apierrors.Forbidden(w, "Доступ разрешён только для операторов")
					return
				}
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+strings.Join(scopes, " или "))

			default:
				apierrors.Forbidden(w, "Неизвестный тип субъекта")
			}
		})
	}
}

// --- Context helpers ---

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// ActorFromContext возвращает имя субъекта или "system", если claims нет.
func ActorFromContext(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return "system"
	}
	return claims.Actor()
}

// --- Readiness IdP ---

// IdPReadinessChecker — проверка доступности JWKS endpoint IdP.
type IdPReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewIdPReadinessChecker создаёт checker доступности IdP.
func NewIdPReadinessChecker(jwksURL string, timeout time.Duration) *IdPReadinessChecker {
	return &IdPReadinessChecker{
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: timeout},
	}
}

const statusFail = "fail"

// CheckReady проверяет, что JWKS отдаёт хотя бы один ключ.
func (k *IdPReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}
	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
