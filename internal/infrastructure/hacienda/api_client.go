// Cliente REST del API de recepción de comprobantes electrónicos de
// Hacienda: autenticación OAuth2 contra el IDP, envío a /recepcion y
// consulta de estado por clave.

package hacienda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"

	"github.com/tu-usuario/factura-cr/internal/domain"
	cat "github.com/tu-usuario/factura-cr/pkg/hacienda"
	"github.com/tu-usuario/factura-cr/pkg/logger"
)

// ── Entornos ──────────────────────────────────────────────────────────────────

const (
	// EnvSandbox ambiente de pruebas (recepción sandbox + realm rut-stag).
	EnvSandbox = "sandbox"
	// EnvProduction ambiente productivo.
	EnvProduction = "production"

	baseURLSandbox    = "https://api.comprobanteselectronicos.go.cr/recepcion-sandbox/v1"
	baseURLProduction = "https://api.comprobanteselectronicos.go.cr/recepcion/v1"

	tokenURLSandbox    = "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut-stag/protocol/openid-connect/token"
	tokenURLProduction = "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut/protocol/openid-connect/token"

	clientIDSandbox    = "api-stag"
	clientIDProduction = "api-prod"
)

// ── Resultados ────────────────────────────────────────────────────────────────

// Status veredicto reportado por Hacienda para una clave.
type Status string

const (
	// StatusPending recibido o en procesamiento; aún sin veredicto.
	StatusPending Status = "pending"
	// StatusAccepted aceptado (terminal).
	StatusAccepted Status = "accepted"
	// StatusRejected rechazado (terminal para esa clave).
	StatusRejected Status = "rejected"
	// StatusNotFound Hacienda no conoce la clave; el documento nunca llegó.
	StatusNotFound Status = "not_found"
)

// SubmitResult resultado de la entrega a /recepcion. Un HTTPStatus 2xx
// significa que el documento entró a procesamiento remoto, no un veredicto.
type SubmitResult struct {
	HTTPStatus int
	Message    string
}

// StatusResult resultado de la consulta de estado.
type StatusResult struct {
	State      Status
	RemoteCode string // ind-estado crudo (recibido, procesando, aceptado, rechazado)
	Message    string // respuesta-xml decodificada, si viene
}

// Identity identificación tributaria de emisor o receptor en el payload.
type Identity struct {
	Type   string `json:"tipoIdentificacion"`
	Number string `json:"numeroIdentificacion"`
}

// NewIdentity normaliza la cédula y detecta el tipo si no se indica.
func NewIdentity(id, idType string) Identity {
	clean := cat.NormalizeID(id)
	if idType == "" {
		idType = cat.DetectIDType(clean)
	}
	return Identity{Type: idType, Number: clean}
}

// ── Cliente ───────────────────────────────────────────────────────────────────

// ClientConfig configuración del cliente de recepción.
type ClientConfig struct {
	Environment string // sandbox | production
	Username    string
	Password    string

	// Overrides para pruebas; vacíos = derivados de Environment.
	BaseURL  string
	TokenURL string
	ClientID string

	HTTPClient *http.Client   // nil = cliente con timeout de 30 s
	Logger     *logger.Logger // nil = logger nop
	RateLimit  rate.Limit     // 0 = 4 req/s
}

// APIClient habla con el API de recepción. El token de acceso se cachea y se
// renueva de forma transparente antes de reutilizarlo; ningún método retiene
// el mutex durante una llamada de red. Seguro para uso concurrente.
type APIClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger

	baseURL  string
	tokenURL string
	clientID string
	username string
	password string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	accessExp    time.Time
	refreshExp   time.Time
}

// NewAPIClient construye el cliente para el ambiente indicado.
func NewAPIClient(cfg ClientConfig) (*APIClient, error) {
	baseURL, tokenURL, clientID := cfg.BaseURL, cfg.TokenURL, cfg.ClientID
	if baseURL == "" || tokenURL == "" {
		switch cfg.Environment {
		case EnvSandbox, "":
			baseURL, tokenURL, clientID = baseURLSandbox, tokenURLSandbox, clientIDSandbox
		case EnvProduction:
			baseURL, tokenURL, clientID = baseURLProduction, tokenURLProduction, clientIDProduction
		default:
			return nil, fmt.Errorf("hacienda: ambiente desconocido %q (usar sandbox|production)", cfg.Environment)
		}
	}
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = rate.Limit(4)
	}
	return &APIClient{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, int(limit)+1),
		log:        log.Component("hacienda-api"),
		baseURL:    baseURL,
		tokenURL:   tokenURL,
		clientID:   clientID,
		username:   cfg.Username,
		password:   cfg.Password,
	}, nil
}

// ── Autenticación ─────────────────────────────────────────────────────────────

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

// Authenticate devuelve un bearer token vigente, renovando si hace falta.
// Falla con ErrAuthentication si el IDP rechaza las credenciales y con
// ErrTransport si el IDP no responde.
func (c *APIClient) Authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && time.Now().Add(30*time.Second).Before(c.accessExp) {
		token := c.accessToken
		c.mu.Unlock()
		return token, nil
	}
	refresh := ""
	if c.refreshToken != "" && time.Now().Before(c.refreshExp) {
		refresh = c.refreshToken
	}
	c.mu.Unlock()

	if refresh != "" {
		if token, err := c.grant(ctx, map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     c.clientID,
			"refresh_token": refresh,
		}); err == nil {
			return token, nil
		}
		c.log.Info().Msg("refresh token rechazado; recurriendo a password grant")
	}
	return c.grant(ctx, map[string]string{
		"grant_type": "password",
		"client_id":  c.clientID,
		"username":   c.username,
		"password":   c.password,
	})
}

// invalidateToken descarta el token cacheado (tras un 401 del API).
func (c *APIClient) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.accessExp = time.Time{}
	c.mu.Unlock()
}

func (c *APIClient) grant(ctx context.Context, form map[string]string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", domain.Wrap(domain.ErrTransport, "esperando limitador: %v", err)
	}
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return "", fmt.Errorf("crear request de token: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.Wrap(domain.ErrTransport, "IDP no responde: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.Wrap(domain.ErrTransport, "leer respuesta del IDP: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", domain.Wrap(domain.ErrTransport, "IDP respondió HTTP %d", resp.StatusCode)
	default:
		return "", domain.Wrap(domain.ErrAuthentication, "IDP respondió HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil || tr.AccessToken == "" {
		return "", domain.Wrap(domain.ErrAuthentication, "respuesta de token ilegible")
	}
	c.cacheToken(tr)
	return tr.AccessToken, nil
}

// cacheToken guarda el token con su vencimiento. El vencimiento real se lee
// del claim exp del JWT; expires_in queda de respaldo.
func (c *APIClient) cacheToken(tr tokenResponse) {
	accessExp := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if claims := parseJWTClaims(tr.AccessToken); claims != nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			accessExp = exp.Time
		}
	}
	c.mu.Lock()
	c.accessToken = tr.AccessToken
	c.refreshToken = tr.RefreshToken
	c.accessExp = accessExp
	c.refreshExp = time.Now().Add(time.Duration(tr.RefreshExpiresIn) * time.Second)
	c.mu.Unlock()
}

func parseJWTClaims(token string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

// ── Envío ─────────────────────────────────────────────────────────────────────

type receptionPayload struct {
	Clave          string    `json:"clave"`
	Fecha          string    `json:"fecha"`
	Emisor         Identity  `json:"emisor"`
	Receptor       *Identity `json:"receptor,omitempty"`
	ComprobanteXML string    `json:"comprobanteXml"`
}

// Submit entrega el XML firmado a /recepcion. Un resultado sin error con
// HTTPStatus 2xx significa "en procesamiento", nunca un veredicto. Los
// tiquetes sin receptor identificado envían receiver con Number vacío.
func (c *APIClient) Submit(ctx context.Context, clave string, signedXML []byte, emitter, receiver Identity, issuedAt time.Time) (*SubmitResult, error) {
	if len(clave) != 50 {
		return nil, domain.Wrap(domain.ErrInvalidInput, "clave debe tener 50 dígitos, tiene %d", len(clave))
	}
	payload := receptionPayload{
		Clave:          clave,
		Fecha:          issuedAt.Format("2006-01-02T15:04:05-07:00"),
		Emisor:         emitter,
		ComprobanteXML: base64.StdEncoding.EncodeToString(signedXML),
	}
	if receiver.Number != "" {
		payload.Receptor = &receiver
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializar payload: %w", err)
	}

	resp, raw, err := c.doAuthorized(ctx, http.MethodPost, c.baseURL+"/recepcion", body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.log.Info().Str("clave", clave).Int("http_status", resp.StatusCode).Msg("comprobante recibido por Hacienda")
		return &SubmitResult{HTTPStatus: resp.StatusCode, Message: extractRemoteError(raw, resp)}, nil
	case resp.StatusCode == http.StatusBadRequest:
		msg := extractRemoteError(raw, resp)
		return nil, domain.Wrap(domain.ErrRemoteRejection, "validación remota: %s", msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.Wrap(domain.ErrAuthentication, "HTTP %d en /recepcion", resp.StatusCode)
	default:
		return nil, domain.Wrap(domain.ErrTransport, "HTTP %d en /recepcion: %s", resp.StatusCode, truncate(string(raw), 200))
	}
}

// CheckStatus consulta el veredicto de una clave. Idempotente; el orquestador
// la usa como fuente de verdad antes de cualquier reenvío.
func (c *APIClient) CheckStatus(ctx context.Context, clave string) (*StatusResult, error) {
	if len(clave) != 50 {
		return nil, domain.Wrap(domain.ErrInvalidInput, "clave debe tener 50 dígitos, tiene %d", len(clave))
	}
	resp, raw, err := c.doAuthorized(ctx, http.MethodGet, c.baseURL+"/recepcion/"+clave, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return &StatusResult{State: StatusNotFound}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.Wrap(domain.ErrAuthentication, "HTTP %d consultando estado", resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest:
		return nil, domain.Wrap(domain.ErrRemoteRejection, "consulta inválida: %s", extractRemoteError(raw, resp))
	default:
		return nil, domain.Wrap(domain.ErrTransport, "HTTP %d consultando estado", resp.StatusCode)
	}

	var body struct {
		IndEstado    string `json:"ind-estado"`
		RespuestaXML string `json:"respuesta-xml"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, domain.Wrap(domain.ErrTransport, "respuesta de estado ilegible: %v", err)
	}
	estado := strings.ToLower(strings.TrimSpace(body.IndEstado))
	result := &StatusResult{RemoteCode: estado, Message: decodeRemoteMessage(body.RespuestaXML)}
	switch estado {
	case "aceptado":
		result.State = StatusAccepted
	case "rechazado":
		result.State = StatusRejected
	case "recibido", "procesando", "":
		result.State = StatusPending
	default:
		result.State = StatusPending
		c.log.Warn().Str("clave", clave).Str("ind_estado", estado).Msg("estado remoto desconocido, tratado como pendiente")
	}
	return result, nil
}

// doAuthorized ejecuta la llamada con bearer token, reintentando una única
// vez con token fresco si el API devuelve 401 (token vencido en caché).
func (c *APIClient) doAuthorized(ctx context.Context, method, url string, body []byte) (*http.Response, []byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.Authenticate(ctx)
		if err != nil {
			return nil, nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, domain.Wrap(domain.ErrTransport, "esperando limitador: %v", err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, nil, fmt.Errorf("crear request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, domain.Wrap(domain.ErrTransport, "llamada a Hacienda fallida: %v", err)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			return nil, nil, domain.Wrap(domain.ErrTransport, "leer respuesta: %v", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.log.Warn().Str("url", url).Msg("401 del API, renovando token y reintentando una vez")
			c.invalidateToken()
			continue
		}
		return resp, raw, nil
	}
	return nil, nil, domain.Wrap(domain.ErrAuthentication, "token rechazado tras renovación")
}

// ── Decodificación de respuestas ──────────────────────────────────────────────

// decodeRemoteMessage decodifica respuesta-xml: viene en Base64 y a veces en
// ISO-8859-1 en lugar de UTF-8.
func decodeRemoteMessage(encoded string) string {
	if encoded == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return encoded
	}
	if utf8.Valid(decoded) {
		return string(decoded)
	}
	utf8Bytes, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), decoded)
	if err != nil {
		return string(decoded)
	}
	return string(utf8Bytes)
}

// extractRemoteError arma un mensaje legible desde el cuerpo y los headers de
// error que usa Hacienda (X-Error-Cause).
func extractRemoteError(raw []byte, resp *http.Response) string {
	msg := strings.TrimSpace(string(raw))
	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		for _, field := range []string{"message", "error", "mensaje", "detalle-mensaje", "descripcion"} {
			if v, ok := parsed[field].(string); ok && v != "" {
				msg = v
				break
			}
		}
	}
	if cause := resp.Header.Get("X-Error-Cause"); cause != "" {
		if msg != "" {
			msg += " (causa: " + cause + ")"
		} else {
			msg = cause
		}
	}
	return truncate(msg, 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
