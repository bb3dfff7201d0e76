package hacienda_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/factura-cr/internal/domain"
	infra "github.com/tu-usuario/factura-cr/internal/infrastructure/hacienda"
)

// fakeHacienda simula el IDP y el API de recepción en un único servidor.
type fakeHacienda struct {
	srv *httptest.Server

	tokenCalls  atomic.Int64
	submitCalls atomic.Int64

	// comportamiento configurable por test
	tokenStatus    int
	submitStatus   int
	submitHeaders  map[string]string
	submitBody     string
	statusBody     map[string]string
	statusHTTPCode int
	rejectFirstN   int64 // responde 401 a los primeros N envíos

	lastSubmitPayload map[string]any
}

func newFakeHacienda(t *testing.T) *fakeHacienda {
	t.Helper()
	f := &fakeHacienda{
		tokenStatus:    http.StatusOK,
		submitStatus:   http.StatusAccepted,
		statusHTTPCode: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		if f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":       "token-" + r.Form.Get("grant_type"),
			"refresh_token":      "refresh-1",
			"expires_in":         300,
			"refresh_expires_in": 600,
		})
	})
	mux.HandleFunc("/recepcion", func(w http.ResponseWriter, r *http.Request) {
		call := f.submitCalls.Add(1)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		f.lastSubmitPayload = payload
		if call <= f.rejectFirstN {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		for k, v := range f.submitHeaders {
			w.Header().Set(k, v)
		}
		w.WriteHeader(f.submitStatus)
		_, _ = w.Write([]byte(f.submitBody))
	})
	mux.HandleFunc("/recepcion/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(f.statusHTTPCode)
		if f.statusBody != nil {
			_ = json.NewEncoder(w).Encode(f.statusBody)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHacienda) client(t *testing.T) *infra.APIClient {
	t.Helper()
	c, err := infra.NewAPIClient(infra.ClientConfig{
		BaseURL:   f.srv.URL,
		TokenURL:  f.srv.URL + "/token",
		ClientID:  "api-stag",
		Username:  "cpf-01-0888-0999@stag.comprobanteselectronicos.go.cr",
		Password:  "secreto",
		RateLimit: 1000,
	})
	require.NoError(t, err)
	return c
}

const claveValida = "50615022600310112345600100001010000000001123456789"

func emisorPrueba() infra.Identity {
	return infra.NewIdentity("3101123456", "")
}

// ── Autenticación ─────────────────────────────────────────────────────────────

func TestAuthenticate_CacheaElToken(t *testing.T) {
	f := newFakeHacienda(t)
	c := f.client(t)
	ctx := context.Background()

	tok1, err := c.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-password", tok1, "el primer token sale del password grant")

	tok2, err := c.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int64(1), f.tokenCalls.Load(),
		"el segundo Authenticate debe servirse del caché, sin ir al IDP")
}

func TestAuthenticate_CredencialesRechazadas(t *testing.T) {
	f := newFakeHacienda(t)
	f.tokenStatus = http.StatusUnauthorized
	c := f.client(t)

	_, err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.False(t, domain.Retriable(err), "credenciales malas no se reintentan")
}

func TestAuthenticate_IDPCaido(t *testing.T) {
	f := newFakeHacienda(t)
	f.tokenStatus = http.StatusServiceUnavailable
	c := f.client(t)

	_, err := c.Authenticate(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.True(t, domain.Retriable(err))
}

// ── Envío ─────────────────────────────────────────────────────────────────────

func TestSubmit_EntregaYPayload(t *testing.T) {
	f := newFakeHacienda(t)
	c := f.client(t)
	signedXML := []byte(`<FacturaElectronica>firmada</FacturaElectronica>`)
	issuedAt := time.Date(2026, 2, 15, 10, 30, 0, 0, time.FixedZone("CR", -6*3600))

	res, err := c.Submit(context.Background(), claveValida, signedXML,
		emisorPrueba(), infra.NewIdentity("108880999", ""), issuedAt)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.HTTPStatus,
		"202 significa en procesamiento, no veredicto")

	p := f.lastSubmitPayload
	assert.Equal(t, claveValida, p["clave"])
	assert.Equal(t, "2026-02-15T10:30:00-06:00", p["fecha"])

	emisor := p["emisor"].(map[string]any)
	assert.Equal(t, "02", emisor["tipoIdentificacion"], "cédula jurídica detectada por formato")
	assert.Equal(t, "3101123456", emisor["numeroIdentificacion"])

	decoded, err := base64.StdEncoding.DecodeString(p["comprobanteXml"].(string))
	require.NoError(t, err)
	assert.Equal(t, signedXML, decoded, "el XML viaja en Base64 sin alteraciones")
}

func TestSubmit_SinReceptorOmiteElCampo(t *testing.T) {
	f := newFakeHacienda(t)
	c := f.client(t)

	_, err := c.Submit(context.Background(), claveValida, []byte("<TiqueteElectronico/>"),
		emisorPrueba(), infra.Identity{}, time.Now())
	require.NoError(t, err)
	_, presente := f.lastSubmitPayload["receptor"]
	assert.False(t, presente, "los tiquetes sin receptor no envían el campo receptor")
}

func TestSubmit_RechazoRemoto400(t *testing.T) {
	f := newFakeHacienda(t)
	f.submitStatus = http.StatusBadRequest
	f.submitHeaders = map[string]string{"X-Error-Cause": "clave ya recibida"}
	c := f.client(t)

	_, err := c.Submit(context.Background(), claveValida, []byte("<x/>"),
		emisorPrueba(), infra.Identity{}, time.Now())
	require.ErrorIs(t, err, domain.ErrRemoteRejection)
	assert.Contains(t, err.Error(), "clave ya recibida",
		"el mensaje remoto debe llegar al llamador")
	assert.False(t, domain.Retriable(err))
}

func TestSubmit_401RenuevaTokenUnaVez(t *testing.T) {
	f := newFakeHacienda(t)
	f.rejectFirstN = 1
	c := f.client(t)

	res, err := c.Submit(context.Background(), claveValida, []byte("<x/>"),
		emisorPrueba(), infra.Identity{}, time.Now())
	require.NoError(t, err, "tras el 401 debe renovar el token y reintentar una vez")
	assert.Equal(t, http.StatusAccepted, res.HTTPStatus)
	assert.Equal(t, int64(2), f.submitCalls.Load())
	assert.GreaterOrEqual(t, f.tokenCalls.Load(), int64(2), "el 401 invalida el token cacheado")
}

func TestSubmit_ErrorDeServidorEsReintentable(t *testing.T) {
	f := newFakeHacienda(t)
	f.submitStatus = http.StatusInternalServerError
	c := f.client(t)

	_, err := c.Submit(context.Background(), claveValida, []byte("<x/>"),
		emisorPrueba(), infra.Identity{}, time.Now())
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.True(t, domain.Retriable(err))
}

func TestSubmit_ServidorInalcanzable(t *testing.T) {
	f := newFakeHacienda(t)
	c := f.client(t)
	f.srv.Close()

	_, err := c.Submit(context.Background(), claveValida, []byte("<x/>"),
		emisorPrueba(), infra.Identity{}, time.Now())
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestSubmit_ClaveInvalida(t *testing.T) {
	f := newFakeHacienda(t)
	c := f.client(t)
	_, err := c.Submit(context.Background(), "123", []byte("<x/>"),
		emisorPrueba(), infra.Identity{}, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, f.submitCalls.Load(), "la validación local no debe tocar la red")
}

// ── Consulta de estado ────────────────────────────────────────────────────────

func TestCheckStatus_Aceptado(t *testing.T) {
	f := newFakeHacienda(t)
	f.statusBody = map[string]string{
		"ind-estado":    "aceptado",
		"respuesta-xml": base64.StdEncoding.EncodeToString([]byte("<MensajeHacienda>Aceptado</MensajeHacienda>")),
	}
	c := f.client(t)

	res, err := c.CheckStatus(context.Background(), claveValida)
	require.NoError(t, err)
	assert.Equal(t, infra.StatusAccepted, res.State)
	assert.Equal(t, "aceptado", res.RemoteCode)
	assert.Contains(t, res.Message, "Aceptado")
}

// TestCheckStatus_MensajeISO88591: Hacienda a veces responde en Latin-1 en
// lugar de UTF-8; el mensaje debe decodificarse sin mojibake.
func TestCheckStatus_MensajeISO88591(t *testing.T) {
	f := newFakeHacienda(t)
	latin1 := []byte("Rechazado: c\xe9dula del emisor inv\xe1lida")
	f.statusBody = map[string]string{
		"ind-estado":    "rechazado",
		"respuesta-xml": base64.StdEncoding.EncodeToString(latin1),
	}
	c := f.client(t)

	res, err := c.CheckStatus(context.Background(), claveValida)
	require.NoError(t, err)
	assert.Equal(t, infra.StatusRejected, res.State)
	assert.Equal(t, "Rechazado: cédula del emisor inválida", res.Message)
}

func TestCheckStatus_EnProceso(t *testing.T) {
	f := newFakeHacienda(t)
	for _, estado := range []string{"recibido", "procesando"} {
		f.statusBody = map[string]string{"ind-estado": estado}
		c := f.client(t)
		res, err := c.CheckStatus(context.Background(), claveValida)
		require.NoError(t, err)
		assert.Equal(t, infra.StatusPending, res.State, "ind-estado %q es pendiente", estado)
	}
}

func TestCheckStatus_ClaveDesconocida(t *testing.T) {
	f := newFakeHacienda(t)
	f.statusHTTPCode = http.StatusNotFound
	c := f.client(t)

	res, err := c.CheckStatus(context.Background(), claveValida)
	require.NoError(t, err, "404 no es una falla: Hacienda no conoce la clave")
	assert.Equal(t, infra.StatusNotFound, res.State)
}

// ── Identidades ───────────────────────────────────────────────────────────────

func TestNewIdentity_DeteccionDeTipo(t *testing.T) {
	casos := []struct {
		id       string
		esperado string
	}{
		{"108880999", "01"},    // cédula física, 9 dígitos
		{"3101123456", "02"},   // cédula jurídica, inicia en 3
		{"4000123456", "04"},   // NITE
		{"155812345678", "03"}, // DIMEX
		{"1-0888-0999", "01"},  // con guiones se normaliza
	}
	for _, c := range casos {
		id := infra.NewIdentity(c.id, "")
		assert.Equal(t, c.esperado, id.Type, "id %q", c.id)
	}
}
