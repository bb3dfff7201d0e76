package billing

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/tu-usuario/factura-cr/internal/domain"
	"github.com/tu-usuario/factura-cr/internal/domain/clave"
	"github.com/tu-usuario/factura-cr/internal/domain/document"
	infra "github.com/tu-usuario/factura-cr/internal/infrastructure/hacienda"
	"github.com/tu-usuario/factura-cr/pkg/logger"
)

// Controller orquesta el ciclo completo del comprobante electrónico:
//
//	Clave → XML v4.4 → Firma XAdES-EPES → Envío a Hacienda → Veredicto
//
// La máquina de estados es monotónica en la ruta de éxito; las ramas de
// error se reingresan únicamente con Retry, que reintenta el paso que falló
// con la misma clave. Cada documento se procesa de forma secuencial; la
// concurrencia existe solo entre documentos, con envío único por clave.
type Controller struct {
	seq       Sequencer
	builder   XMLBuilder
	signer    Signer
	submitter Submitter
	cert      tls.Certificate
	cfg       Config
	log       *logger.Logger

	now          func() time.Time
	securityCode func() (string, error)

	// inFlight serializa envíos por clave; un segundo Submit concurrente de
	// la misma clave falla de inmediato con ErrSubmissionConflict.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Config parámetros de emisión y de la política de reintentos.
type Config struct {
	EmitterID string // cédula del emisor
	Branch    string // sucursal, 3 dígitos
	Terminal  string // terminal, 5 dígitos

	TransportRetries int           // intentos de envío ante fallas de transporte; 0 = 3
	RetryBackoff     time.Duration // espera base entre reintentos; 0 = 2 s
	PollAttempts     int           // máximo de consultas de estado; 0 = 10
	PollInterval     time.Duration // espera base entre consultas; 0 = 5 s
}

func (c Config) withDefaults() Config {
	if c.TransportRetries == 0 {
		c.TransportRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.PollAttempts == 0 {
		c.PollAttempts = 10
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// NewController construye el orquestador con todas sus dependencias.
func NewController(seq Sequencer, builder XMLBuilder, signer Signer, submitter Submitter, cert tls.Certificate, cfg Config, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		seq:          seq,
		builder:      builder,
		signer:       signer,
		submitter:    submitter,
		cert:         cert,
		cfg:          cfg.withDefaults(),
		log:          log.Component("billing"),
		now:          time.Now,
		securityCode: randomSecurityCode,
		inFlight:     make(map[string]struct{}),
	}
}

// NewDocument crea un comprobante en draft a partir de un snapshot.
func (c *Controller) NewDocument(docType string, snap *document.Snapshot) *document.Document {
	return document.New(docType, snap)
}

// Process corre el pipeline completo hasta submitted (o el primer error).
// El veredicto se obtiene después con Poll.
func (c *Controller) Process(ctx context.Context, doc *document.Document) error {
	if err := c.Generate(ctx, doc); err != nil {
		return err
	}
	if err := c.Sign(ctx, doc); err != nil {
		return err
	}
	return c.Submit(ctx, doc)
}

// ── Paso 1: clave y XML ───────────────────────────────────────────────────────

// Generate fija la clave (una sola vez, nunca se regenera) y serializa el
// XML sin firma. Una falla deja el documento en generation_error con el
// detalle poblado; el reintento reutiliza la clave ya fijada.
func (c *Controller) Generate(ctx context.Context, doc *document.Document) error {
	if doc.State != document.StateDraft && doc.State != document.StateGenerationError {
		return c.badState(doc, "Generate")
	}

	// La clave se fija en la primera pasada; Retry entra aquí con la clave
	// ya asignada y solo reintenta la serialización.
	if doc.Clave == "" {
		sequence, err := c.seq.Next(ctx, doc.DocType)
		if err != nil {
			return c.fail(doc, document.StateGenerationError, "reservar consecutivo", err)
		}
		security, err := c.securityCode()
		if err != nil {
			return c.fail(doc, document.StateGenerationError, "código de seguridad", err)
		}
		p := clave.Params{
			EmitterID:    c.cfg.EmitterID,
			Branch:       c.cfg.Branch,
			Terminal:     c.cfg.Terminal,
			DocType:      doc.DocType,
			Sequence:     sequence,
			Date:         doc.Snapshot.IssueDate,
			SecurityCode: security,
		}
		key, err := clave.Generate(p)
		if err != nil {
			return c.fail(doc, document.StateGenerationError, "generar clave", err)
		}
		consecutive, err := clave.Consecutive(p)
		if err != nil {
			return c.fail(doc, document.StateGenerationError, "generar consecutivo", err)
		}
		doc.Clave = key
		doc.Consecutivo = consecutive
	}

	rawXML, err := c.builder.Build(doc.Snapshot, doc.DocType, doc.Clave, doc.Consecutivo)
	if err != nil {
		return c.fail(doc, document.StateGenerationError, "serializar XML", err)
	}
	doc.RawXML = rawXML
	c.transition(doc, document.StateGenerated)
	return nil
}

// ── Paso 2: firma ─────────────────────────────────────────────────────────────

// Sign firma el XML con el certificado configurado. La vigencia del
// certificado se verifica antes de tocar el documento.
func (c *Controller) Sign(_ context.Context, doc *document.Document) error {
	if doc.State != document.StateGenerated && doc.State != document.StateSigningError {
		return c.badState(doc, "Sign")
	}
	if info, err := infra.Info(c.cert, c.now()); err != nil {
		return c.fail(doc, document.StateSigningError, "leer certificado", err)
	} else if !info.IsValid {
		err := domain.Wrap(domain.ErrCertificateExpired, "certificado fuera de vigencia (expira %s)",
			info.NotAfter.Format("2006-01-02"))
		return c.fail(doc, document.StateSigningError, "validar certificado", err)
	}

	signedXML, err := c.signer.Sign(doc.RawXML, c.cert)
	if err != nil {
		return c.fail(doc, document.StateSigningError, "firmar XML", err)
	}
	doc.SignedXML = signedXML
	c.transition(doc, document.StateSigned)
	return nil
}

// ── Paso 3: envío ─────────────────────────────────────────────────────────────

// Submit entrega el XML firmado a Hacienda. Garantiza a lo sumo un envío en
// vuelo por clave; un segundo intento concurrente falla con
// ErrSubmissionConflict sin tocar el documento. Si el documento viene de
// submission_error, consulta primero el estado remoto: un envío previo pudo
// haber llegado aunque la respuesta se perdiera.
func (c *Controller) Submit(ctx context.Context, doc *document.Document) error {
	if doc.State != document.StateSigned && doc.State != document.StateSubmissionError {
		return c.badState(doc, "Submit")
	}

	c.mu.Lock()
	if _, busy := c.inFlight[doc.Clave]; busy {
		c.mu.Unlock()
		return domain.Wrap(domain.ErrSubmissionConflict, "envío en curso para la clave %s", doc.Clave)
	}
	c.inFlight[doc.Clave] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, doc.Clave)
		c.mu.Unlock()
	}()

	// Reintento tras falla de transporte: Hacienda es la fuente de verdad.
	if doc.State == document.StateSubmissionError {
		adopted, err := c.adoptRemoteVerdict(ctx, doc)
		if err != nil {
			return c.fail(doc, document.StateSubmissionError, "consultar estado previo", err)
		}
		if adopted {
			return nil
		}
	}

	emitter := infra.NewIdentity(doc.Snapshot.Emitter.ID, doc.Snapshot.Emitter.IDType)
	var receiver infra.Identity
	if doc.Snapshot.Receiver != nil {
		receiver = infra.NewIdentity(doc.Snapshot.Receiver.ID, doc.Snapshot.Receiver.IDType)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.TransportRetries; attempt++ {
		result, err := c.submitter.Submit(ctx, doc.Clave, doc.SignedXML, emitter, receiver, doc.Snapshot.IssueDate)
		if err == nil {
			doc.ResponseCode = fmt.Sprintf("%d", result.HTTPStatus)
			doc.ResponseMessage = result.Message
			c.transition(doc, document.StateSubmitted)
			return nil
		}
		if !domain.Retriable(err) {
			return c.fail(doc, document.StateSubmissionError, "enviar a Hacienda", err)
		}
		lastErr = err
		c.log.Warn().Str("clave", doc.Clave).Int("intento", attempt).Err(err).
			Msg("falla de transporte en envío, reintentando")
		if attempt < c.cfg.TransportRetries {
			if err := sleepCtx(ctx, backoff(c.cfg.RetryBackoff, attempt)); err != nil {
				return c.fail(doc, document.StateSubmissionError, "enviar a Hacienda", err)
			}
		}
	}
	return c.fail(doc, document.StateSubmissionError, "enviar a Hacienda",
		domain.Wrap(domain.ErrTransport, "agotados %d intentos: %v", c.cfg.TransportRetries, lastErr))
}

// adoptRemoteVerdict consulta el estado en Hacienda y, si ya hay veredicto o
// el documento sigue en procesamiento, lo adopta. Devuelve false cuando
// Hacienda no conoce la clave y corresponde reenviar.
func (c *Controller) adoptRemoteVerdict(ctx context.Context, doc *document.Document) (bool, error) {
	status, err := c.submitter.CheckStatus(ctx, doc.Clave)
	if err != nil {
		return false, err
	}
	switch status.State {
	case infra.StatusNotFound:
		return false, nil
	case infra.StatusAccepted:
		c.applyVerdict(doc, status, document.StateAccepted)
	case infra.StatusRejected:
		c.applyVerdict(doc, status, document.StateRejected)
	default:
		c.applyVerdict(doc, status, document.StateSubmitted)
	}
	c.log.Info().Str("clave", doc.Clave).Str("estado", string(doc.State)).
		Msg("envío previo ya registrado en Hacienda, veredicto adoptado")
	return true, nil
}

// ── Paso 4: veredicto ─────────────────────────────────────────────────────────

// Poll consulta el estado hasta obtener veredicto, agotar los intentos o
// cancelarse el contexto. Si se agotan los intentos el documento queda en
// submitted y el llamador decide cuándo volver a consultar.
func (c *Controller) Poll(ctx context.Context, doc *document.Document) error {
	if doc.State != document.StateSubmitted {
		return c.badState(doc, "Poll")
	}
	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		status, err := c.submitter.CheckStatus(ctx, doc.Clave)
		switch {
		case err != nil && domain.Retriable(err):
			c.log.Warn().Str("clave", doc.Clave).Int("intento", attempt).Err(err).
				Msg("falla de transporte consultando estado")
		case err != nil:
			// Falla no reintentable: se reporta sin mover el documento,
			// submitted sigue siendo verdad.
			return err
		case status.State == infra.StatusAccepted:
			c.applyVerdict(doc, status, document.StateAccepted)
			return nil
		case status.State == infra.StatusRejected:
			c.applyVerdict(doc, status, document.StateRejected)
			return nil
		default:
			c.log.Debug().Str("clave", doc.Clave).Int("intento", attempt).
				Str("ind_estado", status.RemoteCode).Msg("veredicto pendiente")
		}
		if attempt < c.cfg.PollAttempts {
			if err := sleepCtx(ctx, backoff(c.cfg.PollInterval, attempt)); err != nil {
				return err
			}
		}
	}
	c.log.Info().Str("clave", doc.Clave).Int("intentos", c.cfg.PollAttempts).
		Msg("sin veredicto tras agotar consultas, documento sigue en submitted")
	return nil
}

// ── Reintento explícito ───────────────────────────────────────────────────────

// Retry reingresa el paso que falló, con la misma clave y los mismos
// insumos. Solo es válido desde una rama de error.
func (c *Controller) Retry(ctx context.Context, doc *document.Document) error {
	switch doc.State {
	case document.StateGenerationError:
		return c.Generate(ctx, doc)
	case document.StateSigningError:
		return c.Sign(ctx, doc)
	case document.StateSubmissionError:
		return c.Submit(ctx, doc)
	default:
		return c.badState(doc, "Retry")
	}
}

// ── Transiciones ──────────────────────────────────────────────────────────────

func (c *Controller) transition(doc *document.Document, to document.State) {
	from := doc.State
	doc.State = to
	doc.LastTransitionAt = c.now()
	if !to.Failed() {
		doc.ErrorDetail = ""
	}
	c.log.Info().Str("documento", doc.ID).Str("clave", doc.Clave).
		Str("desde", string(from)).Str("hacia", string(to)).Msg("transición de estado")
}

func (c *Controller) applyVerdict(doc *document.Document, status *infra.StatusResult, to document.State) {
	doc.ResponseCode = status.RemoteCode
	doc.ResponseMessage = status.Message
	c.transition(doc, to)
}

// fail mueve el documento a la rama de error indicada, registra el detalle y
// propaga el error original al llamador.
func (c *Controller) fail(doc *document.Document, to document.State, step string, err error) error {
	doc.ErrorDetail = fmt.Sprintf("%s: %v", step, err)
	c.transition(doc, to)
	c.log.Error().Str("documento", doc.ID).Str("clave", doc.Clave).
		Str("paso", step).Err(err).Msg("paso del pipeline fallido")
	return err
}

func (c *Controller) badState(doc *document.Document, op string) error {
	return domain.Wrap(domain.ErrInvalidTransition, "%s no aplica en estado %q", op, doc.State)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// randomSecurityCode produce los 8 dígitos de seguridad de la clave. Se
// genera una única vez por documento, al fijar la clave.
func randomSecurityCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", fmt.Errorf("generar código de seguridad: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// backoff espera exponencial acotada: base, 2·base, 4·base, ... hasta 1 min.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > time.Minute {
		return time.Minute
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.Wrap(domain.ErrTransport, "contexto cancelado: %v", ctx.Err())
	case <-timer.C:
		return nil
	}
}
