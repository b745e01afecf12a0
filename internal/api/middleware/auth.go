// auth.go — JWT middleware аутентификации roomguard.
// Извлекает claims из JWT провайдера идентификации, определяет тип субъекта
// (пользователь чата / сервисный аккаунт), маппит группы в глобальную роль
// и поднимает её до роли, сохранённой в users.
// Подпись проверяется по JWKS провайдера.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/roomguard/internal/api/errors"
	"github.com/bigkaa/roomguard/internal/domain/rbac"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyClaims — извлечённые claims в контексте запроса.
	ContextKeyClaims contextKey = "jwt_claims"
)

// SubjectType — тип субъекта JWT.
type SubjectType string

const (
	// SubjectTypeUser — пользователь чата (OIDC).
	SubjectTypeUser SubjectType = "user"
	// SubjectTypeSA — сервисный аккаунт (Client Credentials).
	SubjectTypeSA SubjectType = "service_account"
)

// AuthClaims — обработанные claims JWT, доступные handlers через контекст.
type AuthClaims struct {
	// Subject — sub из JWT. Для пользователя совпадает с users.id.
	Subject           string
	SubjectType       SubjectType
	PreferredUsername string

	// --- Пользователь ---

	Groups []string
	// IdpRole — роль, выведенная из групп или realm_access.roles
	IdpRole string
	// StoredRole — роль из users; пустая, если пользователь неизвестен
	StoredRole string
	// EffectiveRole = max(StoredRole, IdpRole); пустая для удалённых
	EffectiveRole string

	// --- Сервисный аккаунт ---

	Scopes   []string
	ClientID string
}

// HasRole проверяет, что эффективная роль не ниже указанной.
func (c *AuthClaims) HasRole(role string) bool {
	return rbac.AtLeast(c.EffectiveRole, role)
}

// HasAnyRole проверяет, что эффективная роль не ниже одной из указанных.
func (c *AuthClaims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
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

// RoleProvider — источник сохранённой роли пользователя.
// Реализуется service.AccessService.
type RoleProvider interface {
	// StoredRole возвращает роль из users. Для неизвестного пользователя
	// возвращает "", false, nil; для удалённого — "", true, nil.
	StoredRole(ctx context.Context, userID string) (role string, deleted bool, err error)
}

// idpClaims — raw claims JWT для парсинга.
type idpClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
	// Scope — scopes через пробел (для сервисного аккаунта)
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Azp      string `json:"azp,omitempty"`
}

// realmAccess — вложенная структура realm_access.
type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks            keyfunc.Keyfunc
	logger          *slog.Logger
	roles           RoleProvider
	adminGroups     []string
	moderatorGroups []string
	issuer          string
	leeway          time.Duration
}

// JWTAuthParams — параметры NewJWTAuth.
type JWTAuthParams struct {
	JWKSURL string
	// CACertPath — опциональный CA-сертификат провайдера
	CACertPath      string
	Issuer          string
	AdminGroups     []string
	ModeratorGroups []string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS провайдера идентификации.
// roles может быть nil: тогда учитывается только роль из IdP.
func NewJWTAuth(p JWTAuthParams, roles RoleProvider, logger *slog.Logger) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: p.ClientTimeout}
	if p.CACertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(p.CACertPath, p.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", p.CACertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", p.CACertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — стартуем, даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(p.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           p.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", p.JWKSURL),
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

	auth := NewJWTAuthWithKeyfunc(k, p.Issuer, roles, p.AdminGroups, p.ModeratorGroups, logger)
	auth.leeway = p.Leeway
	return auth, nil
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewJWTAuthWithKeyfunc(
	kf keyfunc.Keyfunc,
	issuer string,
	roles RoleProvider,
	adminGroups, moderatorGroups []string,
	logger *slog.Logger,
) *JWTAuth {
	return &JWTAuth{
		jwks:            kf,
		logger:          logger.With(slog.String("component", "jwt_auth")),
		roles:           roles,
		adminGroups:     adminGroups,
		moderatorGroups: moderatorGroups,
		issuer:          issuer,
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, проверяет подпись (RS256), вычисляет
// эффективную роль и помещает AuthClaims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := parts[1]
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			rawClaims := &idpClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}
			if !token.Valid {
				apierrors.Unauthorized(w, "Невалидный токен")
				return
			}

			subject, err := rawClaims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			claims := j.buildAuthClaims(r.Context(), rawClaims)
			ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildAuthClaims формирует AuthClaims из raw claims.
func (j *JWTAuth) buildAuthClaims(ctx context.Context, raw *idpClaims) *AuthClaims {
	claims := &AuthClaims{
		Subject:           raw.Subject,
		PreferredUsername: raw.PreferredUsername,
	}

	// Сервисный аккаунт несёт client_id и scope.
	if raw.ClientID != "" && raw.Scope != "" {
		claims.SubjectType = SubjectTypeSA
		claims.ClientID = raw.ClientID
		claims.Scopes = strings.Fields(raw.Scope)
		return claims
	}

	claims.SubjectType = SubjectTypeUser
	claims.Groups = raw.Groups
	claims.IdpRole = rbac.MapGroupsToRole(raw.Groups, j.adminGroups, j.moderatorGroups)

	if claims.IdpRole == "" && raw.RealmAccess != nil {
		var mapped []string
		for _, r := range raw.RealmAccess.Roles {
			if rbac.IsValidRole(r) {
				mapped = append(mapped, r)
			}
		}
		claims.IdpRole = rbac.HighestRole(mapped)
	}

	if j.roles != nil {
		stored, deleted, err := j.roles.StoredRole(ctx, claims.Subject)
		switch {
		case err != nil:
			j.logger.Warn("Ошибка получения роли пользователя",
				slog.String("user_id", claims.Subject),
				slog.String("error", err.Error()),
			)
		case deleted:
			// Удалённый пользователь не получает ролей, даже из IdP.
			return claims
		default:
			claims.StoredRole = stored
		}
	}

	claims.EffectiveRole = rbac.EffectiveRole(claims.StoredRole, claims.IdpRole)
	return claims
}

// --- RBAC middleware helpers ---

// RequireScope возвращает middleware, требующий один из указанных scopes.
// Пропускает только сервисные аккаунты.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return RequireRoleOrScope(nil, scopes)
}

// RequireRole возвращает middleware, требующий глобальную роль не ниже
// одной из указанных. Пропускает только пользователей.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return RequireRoleOrScope(roles, nil)
}

// RequireRoleOrScope пропускает пользователей с одной из ролей ИЛИ
// сервисные аккаунты с одним из scopes.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireRoleOrScope(roles, scopes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}

			switch claims.SubjectType {
			case SubjectTypeUser:
				if len(roles) == 0 {
					apierrors.Forbidden(w, "Доступ разрешён только для сервисных аккаунтов")
					return
				}
				if claims.HasAnyRole(roles...) {
					next.ServeHTTP(w, r)
					return
				}
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется роль %s", strings.Join(roles, " или ")))

			case SubjectTypeSA:
				if len(scopes) == 0 {
					apierrors.Forbidden(w, "Доступ разрешён только для пользователей")
					return
				}
				if claims.HasAnyScope(scopes...) {
					next.ServeHTTP(w, r)
					return
				}
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется scope %s", strings.Join(scopes, " или ")))

			default:
				apierrors.Forbidden(w, "Неизвестный тип субъекта")
			}
		})
	}
}

// --- Context helpers ---

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
// Возвращает nil, если claims не найдены.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// WithClaims помещает claims в контекст.
func WithClaims(ctx context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// SubjectFromContext извлекает sub из контекста запроса.
// Возвращает пустую строку, если claims не найдены.
func SubjectFromContext(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// --- Readiness провайдера идентификации ---

// IdPReadinessChecker — проверка доступности провайдера через JWKS.
type IdPReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewIdPReadinessChecker создаёт checker доступности провайдера.
func NewIdPReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*IdPReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}
	return &IdPReadinessChecker{jwksURL: jwksURL, client: client}, nil
}

const statusFail = "fail"

// CheckReady проверяет доступность JWKS endpoint.
func (k *IdPReadinessChecker) CheckReady(ctx context.Context) (status, message string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // URL из конфигурации
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
