package hacienda_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/factura-cr/internal/domain"
	"github.com/tu-usuario/factura-cr/internal/domain/document"
	infra "github.com/tu-usuario/factura-cr/internal/infrastructure/hacienda"
	cat "github.com/tu-usuario/factura-cr/pkg/hacienda"
)

const (
	testClave       = "50615022600310112345600100001010000000001123456789"
	testConsecutivo = "00100001010000000001"
)

// buildSnapshot arma una factura de una línea: 50 000.00 CRC al 13% de IVA.
func buildSnapshot() *document.Snapshot {
	return &document.Snapshot{
		Emitter: document.Party{
			Name:         "Comercializadora La Central S.A.",
			ID:           "3101123456",
			Email:        "facturas@lacentral.cr",
			Phone:        "22223333",
			LocationCode: "10101",
			ActivityCode: "620100",
		},
		Receiver: &document.Party{
			Name:  "Ana Rodríguez Mora",
			ID:    "108880999",
			Email: "ana@example.cr",
		},
		IssueDate:     time.Date(2026, 2, 15, 10, 30, 0, 0, time.FixedZone("CR", -6*3600)),
		Currency:      "CRC",
		SaleCondition: cat.SaleCondContado,
		PaymentMethod: cat.PaymentEfectivo,
		Lines: []document.Line{{
			CABYSCode:   "8399000000000",
			Description: "Servicios profesionales de consultoría",
			Quantity:    decimal.NewFromInt(1),
			UnitCode:    cat.UnitServicio,
			UnitPrice:   decimal.NewFromInt(50000),
			TaxRate:     decimal.NewFromInt(13),
		}},
	}
}

// TestBuild_Determinista: mismo snapshot y misma clave producen bytes
// idénticos. De esto depende que el digest de la firma sea reproducible.
func TestBuild_Determinista(t *testing.T) {
	svc := infra.NewBuilderService()
	snap := buildSnapshot()

	xml1, err1 := svc.Build(snap, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	xml2, err2 := svc.Build(snap, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, xml1, xml2, "Dos serializaciones del mismo snapshot deben ser byte-idénticas")
}

// TestBuild_Totales13PorCiento valida la aritmética del resumen: una línea de
// 50 000.00 al 13% debe producir 6 500.00 de impuesto y 56 500.00 total.
func TestBuild_Totales13PorCiento(t *testing.T) {
	svc := infra.NewBuilderService()
	raw, err := svc.Build(buildSnapshot(), cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	require.NoError(t, err)

	out := string(raw)
	assert.Contains(t, out, "<TotalVentaNeta>50000.00000</TotalVentaNeta>")
	assert.Contains(t, out, "<TotalImpuesto>6500.00000</TotalImpuesto>")
	assert.Contains(t, out, "<TotalComprobante>56500.00000</TotalComprobante>")
	assert.Contains(t, out, "<Tarifa>13.00</Tarifa>")
	assert.Contains(t, out, "<CodigoTarifaIVA>08</CodigoTarifaIVA>",
		"13% corresponde al código de tarifa 08 del catálogo v4.4")
}

func TestBuild_EncabezadoYOrden(t *testing.T) {
	svc := infra.NewBuilderService()
	raw, err := svc.Build(buildSnapshot(), cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	require.NoError(t, err)

	out := string(raw)
	assert.Contains(t, out, `<FacturaElectronica xmlns="`+infra.NsFE+`"`)
	assert.Contains(t, out, "<Clave>"+testClave+"</Clave>")
	assert.Contains(t, out, "<NumeroConsecutivo>"+testConsecutivo+"</NumeroConsecutivo>")
	assert.Contains(t, out, "<FechaEmision>2026-02-15T10:30:00-06:00</FechaEmision>")

	// El orden de los elementos de encabezado es el del esquema.
	order := []string{
		"<Clave>", "<ProveedorSistemas>", "<CodigoActividadEmisor>",
		"<NumeroConsecutivo>", "<FechaEmision>", "<Emisor>", "<Receptor>",
		"<CondicionVenta>", "<MedioPago>", "<DetalleServicio>", "<ResumenFactura>",
	}
	last := -1
	for _, el := range order {
		pos := strings.Index(out, el)
		require.GreaterOrEqual(t, pos, 0, "falta el elemento %s", el)
		assert.Greater(t, pos, last, "%s está fuera de orden", el)
		last = pos
	}
}

// TestBuild_SinIndentacion: la salida es compacta, sin saltos de línea fuera
// de la declaración XML. El espacio en blanco entre elementos cambiaría el
// digest canónico al reinsertar la firma.
func TestBuild_SinIndentacion(t *testing.T) {
	svc := infra.NewBuilderService()
	raw, err := svc.Build(buildSnapshot(), cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(raw, []byte("\n")),
		"Solo la declaración XML termina en salto de línea")
}

func TestBuild_TiqueteSinReceptor(t *testing.T) {
	svc := infra.NewBuilderService()
	snap := buildSnapshot()
	snap.Receiver = nil

	raw, err := svc.Build(snap, cat.DocTypeTiquete, testClave, testConsecutivo)
	require.NoError(t, err, "El tiquete no exige receptor identificado")
	assert.Contains(t, string(raw), "<TiqueteElectronico xmlns=\""+infra.NsTE+"\"")
	assert.NotContains(t, string(raw), "<Receptor>")
}

func TestBuild_DescuentoEnLinea(t *testing.T) {
	svc := infra.NewBuilderService()
	snap := buildSnapshot()
	snap.Lines[0].Discount = decimal.NewFromInt(10) // 10% sobre 50 000

	raw, err := svc.Build(snap, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	require.NoError(t, err)

	out := string(raw)
	assert.Contains(t, out, "<MontoDescuento>5000.00000</MontoDescuento>")
	assert.Contains(t, out, "<SubTotal>45000.00000</SubTotal>")
	assert.Contains(t, out, "<TotalComprobante>50850.00000</TotalComprobante>",
		"45 000 netos + 13% de IVA")
}

func TestBuild_NotaCreditoConReferencia(t *testing.T) {
	svc := infra.NewBuilderService()
	snap := buildSnapshot()
	snap.Reference = &document.Reference{
		Clave:     testClave,
		IssueDate: time.Date(2026, 1, 10, 8, 0, 0, 0, time.FixedZone("CR", -6*3600)),
		Code:      "01",
		Reason:    "Anulación de factura",
	}

	raw, err := svc.Build(snap, cat.DocTypeNotaCredito, testClave, testConsecutivo)
	require.NoError(t, err)

	out := string(raw)
	assert.Contains(t, out, "<NotaCreditoElectronica xmlns=\""+infra.NsNC+"\"")
	assert.Contains(t, out, "<InformacionReferencia>")
	assert.Contains(t, out, "<Codigo>01</Codigo>")
}

// ── Violaciones de esquema ────────────────────────────────────────────────────

func TestBuild_ErrorFacturaSinReceptor(t *testing.T) {
	svc := infra.NewBuilderService()
	snap := buildSnapshot()
	snap.Receiver = nil
	_, err := svc.Build(snap, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation,
		"La factura electrónica exige receptor identificado")
}

func TestBuild_ErrorNotaSinReferencia(t *testing.T) {
	svc := infra.NewBuilderService()
	_, err := svc.Build(buildSnapshot(), cat.DocTypeNotaCredito, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)
}

func TestBuild_ErrorTarifaFueraDeCatalogo(t *testing.T) {
	svc := infra.NewBuilderService()
	for _, rate := range []decimal.Decimal{
		decimal.NewFromFloat(2.5),
		decimal.NewFromInt(15),
		decimal.NewFromInt(-1),
	} {
		snap := buildSnapshot()
		snap.Lines[0].TaxRate = rate
		_, err := svc.Build(snap, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
		assert.ErrorIs(t, err, domain.ErrSchemaViolation,
			"tarifa %s%% debe rechazarse", rate.String())
	}
}

func TestBuild_ErrorLineaIncompleta(t *testing.T) {
	svc := infra.NewBuilderService()

	sinCabys := buildSnapshot()
	sinCabys.Lines[0].CABYSCode = ""
	_, err := svc.Build(sinCabys, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation, "línea sin CABYS")

	sinCantidad := buildSnapshot()
	sinCantidad.Lines[0].Quantity = decimal.Zero
	_, err = svc.Build(sinCantidad, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation, "línea con cantidad cero")

	sinLineas := buildSnapshot()
	sinLineas.Lines = nil
	_, err = svc.Build(sinLineas, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation, "comprobante sin líneas")
}

func TestBuild_ErrorMonedaYMedioDePago(t *testing.T) {
	svc := infra.NewBuilderService()

	moneda := buildSnapshot()
	moneda.Currency = "GBP"
	_, err := svc.Build(moneda, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)

	pago := buildSnapshot()
	pago.PaymentMethod = "42"
	_, err = svc.Build(pago, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)
}

func TestBuild_ErrorEmisorSinCorreo(t *testing.T) {
	svc := infra.NewBuilderService()
	snap := buildSnapshot()
	snap.Emitter.Email = ""
	_, err := svc.Build(snap, cat.DocTypeFacturaElectronica, testClave, testConsecutivo)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)
}
