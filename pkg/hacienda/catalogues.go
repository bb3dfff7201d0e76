// Package hacienda contiene los catálogos y validaciones del Anexo de
// Comprobantes Electrónicos v4.4 del Ministerio de Hacienda (Costa Rica),
// resolución DGT-R-48-2016.
package hacienda

import "strings"

// =============================================================================
// Tipos de comprobante (Art. 4 - segundo par de dígitos del consecutivo)
// =============================================================================

const (
	DocTypeFacturaElectronica = "01" // FE - Factura Electrónica
	DocTypeNotaDebito         = "02" // ND - Nota de Débito Electrónica
	DocTypeNotaCredito        = "03" // NC - Nota de Crédito Electrónica
	DocTypeTiquete            = "04" // TE - Tiquete Electrónico
)

// ValidDocumentTypeCodes códigos de tipo de comprobante admitidos en la clave.
var ValidDocumentTypeCodes = map[string]bool{
	DocTypeFacturaElectronica: true,
	DocTypeNotaDebito:         true,
	DocTypeNotaCredito:        true,
	DocTypeTiquete:            true,
}

// DocumentTypeCodes mapea la sigla usual al código de catálogo.
var DocumentTypeCodes = map[string]string{
	"FE": DocTypeFacturaElectronica,
	"ND": DocTypeNotaDebito,
	"NC": DocTypeNotaCredito,
	"TE": DocTypeTiquete,
}

// =============================================================================
// Tipos de identificación (nota 4.4 - Identificacion/Tipo)
// =============================================================================

const (
	IDTypeCedulaFisica   = "01" // Cédula física (9 dígitos)
	IDTypeCedulaJuridica = "02" // Cédula jurídica (10 dígitos, inicia en 3)
	IDTypeDIMEX          = "03" // DIMEX (11-12 dígitos)
	IDTypeNITE           = "04" // NITE (10 dígitos)
	IDTypeExtranjero     = "05" // Extranjero
)

// =============================================================================
// Condición de venta (CondicionVenta)
// =============================================================================

const (
	SaleCondContado       = "01" // Contado
	SaleCondCredito       = "02" // Crédito
	SaleCondConsignacion  = "03" // Consignación
	SaleCondApartado      = "04" // Apartado
	SaleCondArrendamiento = "05" // Arrendamiento con opción de compra
)

// =============================================================================
// Medios de pago (MedioPago)
// =============================================================================

const (
	PaymentEfectivo      = "01" // Efectivo
	PaymentTarjeta       = "02" // Tarjeta
	PaymentCheque        = "03" // Cheque
	PaymentTransferencia = "04" // Transferencia bancaria
	PaymentTerceros      = "05" // Recaudado por terceros
	PaymentSinpeMovil    = "06" // SINPE Móvil (requiere número de transacción)
	PaymentOtros         = "99" // Otros
)

// ValidPaymentMethodCodes medios de pago del catálogo v4.4.
var ValidPaymentMethodCodes = map[string]bool{
	PaymentEfectivo: true, PaymentTarjeta: true, PaymentCheque: true,
	PaymentTransferencia: true, PaymentTerceros: true, PaymentSinpeMovil: true,
	PaymentOtros: true,
}

// =============================================================================
// Impuestos (Impuesto/Codigo y CodigoTarifaIVA)
// =============================================================================

const (
	TaxCodeIVA = "01" // Impuesto al Valor Agregado
)

// Tarifas de IVA: código de tarifa -> porcentaje. Cualquier tarifa fuera de
// esta tabla es rechazada por el XSD de Hacienda, no por este paquete.
var IVARateCodes = map[string]string{
	"01": "0",  // Exento
	"02": "1",  // Tarifa reducida 1%
	"03": "2",  // Tarifa reducida 2%
	"04": "4",  // Tarifa reducida 4%
	"05": "0",  // Transitorio 0%
	"06": "4",  // Transitorio 4%
	"07": "8",  // Transitorio 8%
	"08": "13", // Tarifa general 13%
}

// RateCodeFor devuelve el código de tarifa IVA vigente para un porcentaje
// dado ("13" -> "08"). Los códigos transitorios (05-07) nunca se prefieren
// sobre el vigente. Retorna cadena vacía si el porcentaje no está en catálogo.
func RateCodeFor(percent string) string {
	switch percent {
	case "0":
		return "01"
	case "1":
		return "02"
	case "2":
		return "03"
	case "4":
		return "04"
	case "8":
		return "07"
	case "13":
		return "08"
	default:
		return ""
	}
}

// =============================================================================
// Identificación: normalización y detección de tipo
// =============================================================================

// NormalizeID deja solo los dígitos de una cédula (quita guiones y espacios).
func NormalizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DetectIDType determina el tipo de identificación según el largo del número,
// con la heurística de Hacienda: 10 dígitos iniciando en 3 es cédula jurídica,
// de lo contrario NITE.
func DetectIDType(id string) string {
	clean := NormalizeID(id)
	switch len(clean) {
	case 9:
		return IDTypeCedulaFisica
	case 10:
		if strings.HasPrefix(clean, "3") {
			return IDTypeCedulaJuridica
		}
		return IDTypeNITE
	case 11, 12:
		return IDTypeDIMEX
	default:
		return IDTypeExtranjero
	}
}

// =============================================================================
// Unidades de medida de uso común (UnidadMedida)
// =============================================================================

const (
	UnitUnidad    = "Unid"
	UnitServicio  = "Sp"
	UnitKilogramo = "kg"
	UnitLitro     = "L"
	UnitMetro     = "m"
	UnitHora      = "h"
	UnitDia       = "d"
)
