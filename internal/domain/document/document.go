// Package document define el comprobante electrónico y su máquina de estados.
package document

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State estado del comprobante en su ciclo de vida.
type State string

// Ruta de éxito: draft → generated → signed → submitted → accepted|rejected.
// Las ramas de error son alcanzables desde el paso en curso adyacente y son
// los únicos estados desde los que Retry vuelve al paso que falló.
const (
	StateDraft           State = "draft"
	StateGenerated       State = "generated"        // XML generado, clave fijada
	StateSigned          State = "signed"           // XML firmado, pendiente de envío
	StateSubmitted       State = "submitted"        // Recibido por Hacienda, veredicto pendiente
	StateAccepted        State = "accepted"         // Aceptado por Hacienda (terminal)
	StateRejected        State = "rejected"         // Rechazado por Hacienda (terminal)
	StateGenerationError State = "generation_error" // Falló clave o XML
	StateSigningError    State = "signing_error"    // Falló certificado o firma
	StateSubmissionError State = "submission_error" // Falló el transporte; reintentable
)

// Terminal indica si el estado no admite más transiciones.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Failed indica si el estado es una rama de error.
func (s State) Failed() bool {
	return s == StateGenerationError || s == StateSigningError || s == StateSubmissionError
}

// Document es la entidad central del pipeline. La muta únicamente el
// orquestador a partir de los resultados de cada componente.
type Document struct {
	ID          string
	Clave       string // 50 dígitos; inmutable una vez asignada
	Consecutivo string // NumeroConsecutivo de 20 dígitos
	DocType     string // código de catálogo: 01 FE, 02 ND, 03 NC, 04 TE
	State       State

	RawXML    []byte // serialización sin firma; se fija una sola vez
	SignedXML []byte // documento con firma envolvente; se fija una sola vez

	ResponseCode    string // último ind-estado o código HTTP reportado por Hacienda
	ResponseMessage string // último mensaje remoto (respuesta-xml decodificada)
	ErrorDetail     string // diagnóstico; solo poblado en estados de error

	Snapshot *Snapshot // referencia, no copia; propiedad de la aplicación externa

	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// New crea un comprobante en draft a partir de un snapshot.
func New(docType string, snap *Snapshot) *Document {
	now := time.Now()
	return &Document{
		ID:               uuid.NewString(),
		DocType:          docType,
		State:            StateDraft,
		Snapshot:         snap,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

// Snapshot es el valor inmutable de la transacción comercial que entra al
// pipeline. No carga comportamiento: los componentes operan sobre él.
type Snapshot struct {
	Emitter  Party
	Receiver *Party // nil para tiquetes sin receptor identificado

	IssueDate     time.Time
	Currency      string          // CRC, USD, EUR
	ExchangeRate  decimal.Decimal // TipoCambio; 1 para CRC
	SaleCondition string          // catálogo CondicionVenta
	CreditDays    int             // PlazoCredito; solo ventas a crédito
	PaymentMethod string          // catálogo MedioPago
	PaymentTxID   string          // NumeroTransaccion (SINPE Móvil)

	Lines []Line

	// Referencia a un comprobante previo (notas de crédito/débito)
	Reference *Reference
}

// Party identifica a emisor o receptor.
type Party struct {
	Name           string
	ID             string // cédula, solo dígitos tras normalizar
	IDType         string // catálogo; vacío = detectar por formato
	CommercialName string
	Email          string
	Phone          string
	LocationCode   string // PCCDD o PCCDDBBBBB (provincia-cantón-distrito-barrio)
	OtherAddress   string // OtrasSenas
	ActivityCode   string // CIIU, se rellena a 6 dígitos
	ProviderID     string // ProveedorSistemas (solo emisor)
}

// Line es una línea de detalle del comprobante.
type Line struct {
	CABYSCode   string // código CABYS de 13 dígitos (obligatorio en v4.4)
	Description string
	Quantity    decimal.Decimal
	UnitCode    string // UnidadMedida (Unid, Sp, kg, ...)
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal // porcentaje 0-100
	DiscountWhy string          // NaturalezaDescuento
	TaxRate     decimal.Decimal // porcentaje de IVA; debe existir en catálogo
}

// Reference apunta al comprobante que una nota de crédito o débito afecta.
type Reference struct {
	Clave     string // clave del documento original
	IssueDate time.Time
	Code      string // catálogo: 01 anula documento de referencia
	Reason    string
}

// Totals acumula los montos de las líneas con la misma aritmética que usa el
// serializador, para que el XML y el resumen del llamador coincidan.
type Totals struct {
	Net      decimal.Decimal // TotalVentaNeta
	Discount decimal.Decimal // TotalDescuentos
	Tax      decimal.Decimal // TotalImpuesto
	Grand    decimal.Decimal // TotalComprobante
}

// ComputeTotals calcula los totales del snapshot línea por línea.
func (s *Snapshot) ComputeTotals() Totals {
	var t Totals
	for _, l := range s.Lines {
		gross := l.Quantity.Mul(l.UnitPrice)
		disc := gross.Mul(l.Discount).Div(decimal.NewFromInt(100))
		net := gross.Sub(disc)
		tax := net.Mul(l.TaxRate).Div(decimal.NewFromInt(100))
		t.Net = t.Net.Add(net)
		t.Discount = t.Discount.Add(disc)
		t.Tax = t.Tax.Add(tax)
	}
	t.Grand = t.Net.Add(t.Tax)
	return t
}
