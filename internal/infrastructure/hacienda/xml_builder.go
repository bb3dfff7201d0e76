package hacienda

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tu-usuario/factura-cr/internal/domain"
	"github.com/tu-usuario/factura-cr/internal/domain/document"
	cat "github.com/tu-usuario/factura-cr/pkg/hacienda"
)

// Namespaces oficiales de los esquemas v4.4 de Hacienda.
const (
	NsFE  = "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/facturaElectronica"
	NsTE  = "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/tiqueteElectronico"
	NsNC  = "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/notaCreditoElectronica"
	NsND  = "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/notaDebitoElectronica"
	NsDs  = "http://www.w3.org/2000/09/xmldsig#"
	NsXsd = "http://www.w3.org/2001/XMLSchema"
)

// rootForDocType nombre de elemento raíz y namespace por tipo de comprobante.
func rootForDocType(docType string) (local, ns string, ok bool) {
	switch docType {
	case cat.DocTypeFacturaElectronica:
		return "FacturaElectronica", NsFE, true
	case cat.DocTypeTiquete:
		return "TiqueteElectronico", NsTE, true
	case cat.DocTypeNotaCredito:
		return "NotaCreditoElectronica", NsNC, true
	case cat.DocTypeNotaDebito:
		return "NotaDebitoElectronica", NsND, true
	default:
		return "", "", false
	}
}

// BuilderService construye el XML v4.4 del comprobante (sin firma XAdES).
//
// La salida es determinista: el mismo snapshot y la misma clave producen
// bytes idénticos. No se emite indentación ni timestamps distintos de
// FechaEmision, que viene del snapshot. El orden de elementos es el del
// esquema y no es negociable: Hacienda valida estructura y digest.
type BuilderService struct{}

// NewBuilderService crea el servicio.
func NewBuilderService() *BuilderService {
	return &BuilderService{}
}

// Build genera los bytes del comprobante para el tipo indicado.
func (s *BuilderService) Build(snap *document.Snapshot, docType, clave, consecutivo string) ([]byte, error) {
	if snap == nil {
		return nil, domain.Wrap(domain.ErrSchemaViolation, "snapshot requerido")
	}
	rootLocal, ns, ok := rootForDocType(docType)
	if !ok {
		return nil, domain.Wrap(domain.ErrSchemaViolation, "tipo de documento desconocido: %q", docType)
	}
	if err := s.validate(snap, docType); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)

	root := xml.StartElement{
		Name: xml.Name{Local: rootLocal},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "xmlns"}, Value: ns},
			{Name: xml.Name{Local: "xmlns:ds"}, Value: NsDs},
			{Name: xml.Name{Local: "xmlns:xsd"}, Value: NsXsd},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}

	// ---- Encabezado (orden fijo del esquema)
	writeEl(enc, "Clave", clave)
	provider := snap.Emitter.ProviderID
	if provider == "" {
		provider = cat.NormalizeID(snap.Emitter.ID)
	}
	writeEl(enc, "ProveedorSistemas", provider)
	writeEl(enc, "CodigoActividadEmisor", padActivity(snap.Emitter.ActivityCode))
	writeEl(enc, "NumeroConsecutivo", consecutivo)
	writeEl(enc, "FechaEmision", snap.IssueDate.Format("2006-01-02T15:04:05-07:00"))

	// ---- Emisor / Receptor
	s.writeEmitter(enc, &snap.Emitter)
	if snap.Receiver != nil {
		s.writeReceiver(enc, snap.Receiver)
	}

	// ---- Condición de venta y medio de pago
	cond := snap.SaleCondition
	if cond == "" {
		cond = cat.SaleCondContado
	}
	writeEl(enc, "CondicionVenta", cond)
	if cond == cat.SaleCondCredito && snap.CreditDays > 0 {
		writeEl(enc, "PlazoCredito", strconv.Itoa(snap.CreditDays))
	}
	method := snap.PaymentMethod
	if method == "" {
		method = cat.PaymentEfectivo
	}
	writeEl(enc, "MedioPago", method)
	if method == cat.PaymentSinpeMovil && snap.PaymentTxID != "" {
		writeEl(enc, "NumeroTransaccion", snap.PaymentTxID)
	}

	// ---- DetalleServicio
	start(enc, "DetalleServicio")
	for i, line := range snap.Lines {
		s.writeLine(enc, i+1, line)
	}
	end(enc, "DetalleServicio")

	// ---- ResumenFactura
	s.writeSummary(enc, snap)

	// ---- InformacionReferencia (notas de crédito y débito)
	if snap.Reference != nil {
		start(enc, "InformacionReferencia")
		writeEl(enc, "TipoDoc", "01")
		writeEl(enc, "Numero", snap.Reference.Clave)
		writeEl(enc, "FechaEmision", snap.Reference.IssueDate.Format("2006-01-02T15:04:05-07:00"))
		writeEl(enc, "Codigo", snap.Reference.Code)
		writeEl(enc, "Razon", snap.Reference.Reason)
		end(enc, "InformacionReferencia")
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// validate revisa obligatorios y catálogos antes de serializar. Un snapshot
// que pase esta validación produce un XML estructuralmente aceptable; lo que
// Hacienda valide de más (XSD completo) se reporta como rechazo remoto.
func (s *BuilderService) validate(snap *document.Snapshot, docType string) error {
	if snap.Emitter.Name == "" || cat.NormalizeID(snap.Emitter.ID) == "" {
		return domain.Wrap(domain.ErrSchemaViolation, "emisor requiere nombre y cédula")
	}
	if snap.Emitter.Email == "" {
		return domain.Wrap(domain.ErrSchemaViolation, "correo del emisor es obligatorio en v4.4")
	}
	if snap.IssueDate.IsZero() {
		return domain.Wrap(domain.ErrSchemaViolation, "fecha de emisión requerida")
	}
	if docType == cat.DocTypeFacturaElectronica {
		if snap.Receiver == nil || snap.Receiver.Name == "" || cat.NormalizeID(snap.Receiver.ID) == "" {
			return domain.Wrap(domain.ErrSchemaViolation, "factura electrónica requiere receptor identificado")
		}
	}
	if (docType == cat.DocTypeNotaCredito || docType == cat.DocTypeNotaDebito) && snap.Reference == nil {
		return domain.Wrap(domain.ErrSchemaViolation, "nota de crédito/débito requiere referencia al documento original")
	}
	if len(snap.Lines) == 0 {
		return domain.Wrap(domain.ErrSchemaViolation, "comprobante sin líneas de detalle")
	}
	for i, l := range snap.Lines {
		if l.CABYSCode == "" {
			return domain.Wrap(domain.ErrSchemaViolation, "línea %d sin código CABYS", i+1)
		}
		if l.Description == "" {
			return domain.Wrap(domain.ErrSchemaViolation, "línea %d sin detalle", i+1)
		}
		if !l.Quantity.IsPositive() {
			return domain.Wrap(domain.ErrSchemaViolation, "línea %d con cantidad no positiva", i+1)
		}
		if l.UnitPrice.IsNegative() {
			return domain.Wrap(domain.ErrSchemaViolation, "línea %d con precio negativo", i+1)
		}
		if !l.TaxRate.Equal(l.TaxRate.Truncate(0)) || cat.RateCodeFor(formatRate(l.TaxRate)) == "" {
			return domain.Wrap(domain.ErrSchemaViolation, "línea %d con tarifa de IVA fuera de catálogo: %s%%", i+1, l.TaxRate.String())
		}
	}
	if snap.PaymentMethod != "" && !cat.ValidPaymentMethodCodes[snap.PaymentMethod] {
		return domain.Wrap(domain.ErrSchemaViolation, "medio de pago fuera de catálogo: %q", snap.PaymentMethod)
	}
	switch snap.Currency {
	case "", "CRC", "USD", "EUR":
	default:
		return domain.Wrap(domain.ErrSchemaViolation, "moneda no soportada: %q", snap.Currency)
	}
	return nil
}

func (s *BuilderService) writeEmitter(enc *xml.Encoder, p *document.Party) {
	start(enc, "Emisor")
	writeEl(enc, "Nombre", p.Name)
	s.writeIdentification(enc, p)
	if p.CommercialName != "" {
		writeEl(enc, "NombreComercial", p.CommercialName)
	}
	s.writeLocation(enc, p)
	phone := cat.NormalizeID(p.Phone)
	if len(phone) >= 8 {
		start(enc, "Telefono")
		writeEl(enc, "CodigoPais", "506")
		writeEl(enc, "NumTelefono", phone[:8])
		end(enc, "Telefono")
	}
	writeEl(enc, "CorreoElectronico", p.Email)
	end(enc, "Emisor")
}

func (s *BuilderService) writeReceiver(enc *xml.Encoder, p *document.Party) {
	start(enc, "Receptor")
	writeEl(enc, "Nombre", p.Name)
	if cat.NormalizeID(p.ID) != "" {
		s.writeIdentification(enc, p)
	}
	if p.Email != "" {
		writeEl(enc, "CorreoElectronico", p.Email)
	}
	end(enc, "Receptor")
}

func (s *BuilderService) writeIdentification(enc *xml.Encoder, p *document.Party) {
	idType := p.IDType
	if idType == "" {
		idType = cat.DetectIDType(p.ID)
	}
	start(enc, "Identificacion")
	writeEl(enc, "Tipo", idType)
	writeEl(enc, "Numero", cat.NormalizeID(p.ID))
	end(enc, "Identificacion")
}

// writeLocation descompone el código de ubicación PCCDD(BBBBB) en
// Provincia (1), Canton (2), Distrito (2) y Barrio (mínimo 5 en v4.4).
func (s *BuilderService) writeLocation(enc *xml.Encoder, p *document.Party) {
	code := strings.TrimLeft(strings.TrimSpace(p.LocationCode), "0")
	if code == "" {
		code = "10101"
	}
	provincia := code[0:1]
	canton := "01"
	distrito := "01"
	barrio := "01"
	if len(code) >= 3 {
		canton = code[1:3]
	}
	if len(code) >= 5 {
		distrito = code[3:5]
	}
	if len(code) > 5 {
		barrio = code[5:]
	}
	for len(barrio) < 5 {
		barrio = "0" + barrio
	}
	start(enc, "Ubicacion")
	writeEl(enc, "Provincia", provincia)
	writeEl(enc, "Canton", canton)
	writeEl(enc, "Distrito", distrito)
	writeEl(enc, "Barrio", barrio)
	otras := p.OtherAddress
	if otras == "" {
		otras = "Sin otras señas"
	}
	writeEl(enc, "OtrasSenas", otras)
	end(enc, "Ubicacion")
}

func (s *BuilderService) writeLine(enc *xml.Encoder, num int, l document.Line) {
	unit := l.UnitCode
	if unit == "" {
		unit = cat.UnitUnidad
	}
	gross := l.Quantity.Mul(l.UnitPrice)
	disc := gross.Mul(l.Discount).Div(decimal.NewFromInt(100))
	net := gross.Sub(disc)
	tax := net.Mul(l.TaxRate).Div(decimal.NewFromInt(100))

	start(enc, "LineaDetalle")
	writeEl(enc, "NumeroLinea", strconv.Itoa(num))
	writeEl(enc, "CodigoCABYS", l.CABYSCode)
	writeEl(enc, "Cantidad", formatAmount(l.Quantity))
	writeEl(enc, "UnidadMedida", unit)
	writeEl(enc, "Detalle", l.Description)
	writeEl(enc, "PrecioUnitario", formatAmount(l.UnitPrice))
	writeEl(enc, "MontoTotal", formatAmount(gross))
	if l.Discount.IsPositive() {
		start(enc, "Descuento")
		writeEl(enc, "MontoDescuento", formatAmount(disc))
		why := l.DiscountWhy
		if why == "" {
			why = "06" // descuento comercial
		}
		writeEl(enc, "NaturalezaDescuento", why)
		end(enc, "Descuento")
	}
	writeEl(enc, "SubTotal", formatAmount(net))
	writeEl(enc, "BaseImponible", formatAmount(net))

	// v4.4 exige al menos un elemento Impuesto por línea, incluso exenta.
	start(enc, "Impuesto")
	writeEl(enc, "Codigo", cat.TaxCodeIVA)
	writeEl(enc, "CodigoTarifaIVA", cat.RateCodeFor(formatRate(l.TaxRate)))
	writeEl(enc, "Tarifa", l.TaxRate.StringFixed(2))
	writeEl(enc, "Monto", formatAmount(tax))
	end(enc, "Impuesto")

	writeEl(enc, "ImpuestoAsumidoEmisorFabrica", formatAmount(decimal.Zero))
	writeEl(enc, "ImpuestoNeto", formatAmount(tax))
	writeEl(enc, "MontoTotalLinea", formatAmount(net.Add(tax)))
	end(enc, "LineaDetalle")
}

func (s *BuilderService) writeSummary(enc *xml.Encoder, snap *document.Snapshot) {
	t := snap.ComputeTotals()
	currency := snap.Currency
	if currency == "" {
		currency = "CRC"
	}
	rate := snap.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	grossSales := t.Net.Add(t.Discount)

	start(enc, "ResumenFactura")
	start(enc, "CodigoTipoMoneda")
	writeEl(enc, "CodigoMoneda", currency)
	writeEl(enc, "TipoCambio", formatAmount(rate))
	end(enc, "CodigoTipoMoneda")
	writeEl(enc, "TotalServGravados", formatAmount(t.Net))
	writeEl(enc, "TotalServExentos", formatAmount(decimal.Zero))
	writeEl(enc, "TotalMercanciasGravadas", formatAmount(decimal.Zero))
	writeEl(enc, "TotalMercanciasExentas", formatAmount(decimal.Zero))
	writeEl(enc, "TotalGravado", formatAmount(t.Net))
	writeEl(enc, "TotalExento", formatAmount(decimal.Zero))
	writeEl(enc, "TotalVenta", formatAmount(grossSales))
	writeEl(enc, "TotalDescuentos", formatAmount(t.Discount))
	writeEl(enc, "TotalVentaNeta", formatAmount(t.Net))
	writeEl(enc, "TotalImpuesto", formatAmount(t.Tax))
	writeEl(enc, "TotalComprobante", formatAmount(t.Grand))
	end(enc, "ResumenFactura")
}

// ── helpers de tokens ─────────────────────────────────────────────────────────

func start(enc *xml.Encoder, local string) {
	_ = enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: local}})
}

func end(enc *xml.Encoder, local string) {
	_ = enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: local}})
}

func writeEl(enc *xml.Encoder, local, value string) {
	start(enc, local)
	_ = enc.EncodeToken(xml.CharData(value))
	end(enc, local)
}

// formatAmount montos con 5 decimales, punto decimal, sin separador de miles.
func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(5)
}

// formatRate porcentaje de tarifa sin decimales sobrantes ("13", "4", "0").
func formatRate(d decimal.Decimal) string {
	return d.Truncate(0).String()
}

func padActivity(code string) string {
	code = cat.NormalizeID(code)
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}
