// Servicio de firma digital XAdES-EPES para comprobantes electrónicos de
// Costa Rica. Agrega <ds:Signature> como último hijo del elemento raíz
// (firma envolvente) con tres referencias: documento completo, KeyInfo y
// SignedProperties.

package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/tu-usuario/factura-cr/internal/domain"
)

// Service implementa la firma XAdES-EPES con verificación de consistencia:
// antes de devolver el XML firmado comprueba que quitarle la firma y
// re-canonicalizar reproduce exactamente el digest pre-firma. Si no, falla
// con ErrSignatureConsistency en lugar de entregar un documento que
// Hacienda no podrá verificar.
type Service struct {
	// Now permite inyectar el reloj en pruebas; por defecto time.Now.
	Now func() time.Time
}

// NewService crea el servicio.
func NewService() *Service {
	return &Service{Now: time.Now}
}

// Sign firma rawXML con el certificado y devuelve el documento con la firma
// envolvente. Sin efectos de red ni almacenamiento.
func (s *Service) Sign(rawXML []byte, cert tls.Certificate) ([]byte, error) {
	if len(rawXML) == 0 {
		return nil, domain.Wrap(domain.ErrSchemaViolation, "XML vacío")
	}
	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, domain.Wrap(domain.ErrSigningKey, "el certificado debe incluir llave privada RSA")
	}
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return nil, domain.Wrap(domain.ErrSigningKey, "certificado sin hoja")
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, domain.Wrap(domain.ErrSigningKey, "parsear certificado: %v", err)
		}
		leaf = parsed
	}
	now := s.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, domain.Wrap(domain.ErrCertificateExpired,
			"vigencia [%s, %s], hora actual %s",
			leaf.NotBefore.Format(time.RFC3339), leaf.NotAfter.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	// Identificadores únicos de la firma
	uid := randomHex(16)
	ids := signatureIDs{
		Signature:      "Signature-" + uid,
		SignatureValue: "SignatureValue-" + uid,
		Reference:      "Reference-" + uid,
		KeyInfo:        "KeyInfo-" + uid,
		SignedProps:    "SignedProperties-" + uid,
	}

	// 1) Digest del documento completo, antes de adjuntar firma alguna.
	docDigest, err := DigestB64(rawXML)
	if err != nil {
		return nil, fmt.Errorf("digest del documento: %w", err)
	}

	// 2) SignedProperties (hora de firma, digest del certificado, política) y su digest.
	signedPropsXML := s.buildSignedProperties(leaf, ids, now)
	signedPropsDigest, err := DigestB64([]byte(signedPropsXML))
	if err != nil {
		return nil, fmt.Errorf("digest de SignedProperties: %w", err)
	}

	// 3) KeyInfo y su digest.
	keyInfoXML := s.buildKeyInfo(leaf, ids)
	keyInfoDigest, err := DigestB64([]byte(keyInfoXML))
	if err != nil {
		return nil, fmt.Errorf("digest de KeyInfo: %w", err)
	}

	// 4) SignedInfo con las tres referencias.
	signedInfoXML := s.buildSignedInfo(ids, docDigest, keyInfoDigest, signedPropsDigest)

	// 5) Firma RSA-SHA256 sobre la forma canónica de SignedInfo.
	canonicalSignedInfo, err := Canonicalize([]byte(signedInfoXML))
	if err != nil {
		return nil, fmt.Errorf("canonicalizar SignedInfo: %w", err)
	}
	digest := sha256.Sum256(canonicalSignedInfo)
	sigValue, err := rsa.SignPKCS1v15(nil, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, domain.Wrap(domain.ErrSigningKey, "firmar SignedInfo: %v", err)
	}

	// 6) Ensamblar el bloque ds:Signature completo e inyectarlo en la raíz.
	signatureXML := s.buildSignature(ids, signedInfoXML, keyInfoXML, signedPropsXML,
		base64.StdEncoding.EncodeToString(sigValue))
	signedXML, err := injectSignature(rawXML, signatureXML)
	if err != nil {
		return nil, err
	}

	// 7) Compuerta de consistencia: re-parsear la salida, quitar la firma y
	// verificar que el digest canónico reproduce el del paso 1.
	if err := verifyRoundTrip(signedXML, docDigest); err != nil {
		return nil, err
	}
	return signedXML, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type signatureIDs struct {
	Signature      string
	SignatureValue string
	Reference      string
	KeyInfo        string
	SignedProps    string
}

func (s *Service) buildSignedInfo(ids signatureIDs, docDigest, keyInfoDigest, signedPropsDigest string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:SignedInfo xmlns:ds="` + NamespaceDS + `">`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="` + AlgC14NExclusive + `"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="` + AlgRSASHA256 + `"/>`)
	// Referencia 1: documento completo (firma envolvente, URI vacío)
	sb.WriteString(`<ds:Reference Id="` + ids.Reference + `" URI="">`)
	sb.WriteString(`<ds:Transforms>`)
	sb.WriteString(`<ds:Transform Algorithm="` + TransformEnveloped + `"/>`)
	sb.WriteString(`<ds:Transform Algorithm="` + AlgC14NExclusive + `"/>`)
	sb.WriteString(`</ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + docDigest + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	// Referencia 2: KeyInfo
	sb.WriteString(`<ds:Reference URI="#` + ids.KeyInfo + `">`)
	sb.WriteString(`<ds:Transforms><ds:Transform Algorithm="` + AlgC14NExclusive + `"/></ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + keyInfoDigest + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	// Referencia 3: SignedProperties (XAdES)
	sb.WriteString(`<ds:Reference Type="` + SignedPropertiesType + `" URI="#` + ids.SignedProps + `">`)
	sb.WriteString(`<ds:Transforms><ds:Transform Algorithm="` + AlgC14NExclusive + `"/></ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + signedPropsDigest + `</ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	return sb.String()
}

func (s *Service) buildSignedProperties(leaf *x509.Certificate, ids signatureIDs, now time.Time) string {
	signingTime := now.UTC().Format("2006-01-02T15:04:05Z")
	certDigest := sha256.Sum256(leaf.Raw)

	var sb strings.Builder
	sb.WriteString(`<xades:SignedProperties xmlns:ds="` + NamespaceDS + `" xmlns:xades="` + NamespaceXAdES + `" Id="` + ids.SignedProps + `">`)
	sb.WriteString(`<xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SigningTime>` + signingTime + `</xades:SigningTime>`)
	// SignaturePolicyIdentifier (XAdES-EPES, política DGT-R-48-2016)
	sb.WriteString(`<xades:SignaturePolicyIdentifier><xades:SignaturePolicyId>`)
	sb.WriteString(`<xades:SigPolicyId>`)
	sb.WriteString(`<xades:Identifier>` + PolicyURL + `</xades:Identifier>`)
	sb.WriteString(`<xades:Description>` + PolicyDescription + `</xades:Description>`)
	sb.WriteString(`</xades:SigPolicyId>`)
	sb.WriteString(`<xades:SigPolicyHash>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + PolicyHashDigest + `</ds:DigestValue>`)
	sb.WriteString(`</xades:SigPolicyHash>`)
	sb.WriteString(`</xades:SignaturePolicyId></xades:SignaturePolicyIdentifier>`)
	// SigningCertificate: digest SHA-256 del DER + emisor y serie
	sb.WriteString(`<xades:SigningCertificate><xades:Cert>`)
	sb.WriteString(`<xades:CertDigest>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="` + AlgSHA256 + `"/>`)
	sb.WriteString(`<ds:DigestValue>` + base64.StdEncoding.EncodeToString(certDigest[:]) + `</ds:DigestValue>`)
	sb.WriteString(`</xades:CertDigest>`)
	sb.WriteString(`<xades:IssuerSerial>`)
	sb.WriteString(`<ds:X509IssuerName>` + escapeXML(leaf.Issuer.String()) + `</ds:X509IssuerName>`)
	sb.WriteString(`<ds:X509SerialNumber>` + leaf.SerialNumber.String() + `</ds:X509SerialNumber>`)
	sb.WriteString(`</xades:IssuerSerial>`)
	sb.WriteString(`</xades:Cert></xades:SigningCertificate>`)
	sb.WriteString(`</xades:SignedSignatureProperties>`)
	sb.WriteString(`<xades:SignedDataObjectProperties>`)
	sb.WriteString(`<xades:DataObjectFormat ObjectReference="#` + ids.Reference + `">`)
	sb.WriteString(`<xades:MimeType>text/xml</xades:MimeType>`)
	sb.WriteString(`</xades:DataObjectFormat>`)
	sb.WriteString(`</xades:SignedDataObjectProperties>`)
	sb.WriteString(`</xades:SignedProperties>`)
	return sb.String()
}

func (s *Service) buildKeyInfo(leaf *x509.Certificate, ids signatureIDs) string {
	certB64 := base64.StdEncoding.EncodeToString(leaf.Raw)
	var sb strings.Builder
	sb.WriteString(`<ds:KeyInfo xmlns:ds="` + NamespaceDS + `" Id="` + ids.KeyInfo + `">`)
	sb.WriteString(`<ds:X509Data><ds:X509Certificate>` + certB64 + `</ds:X509Certificate></ds:X509Data>`)
	sb.WriteString(`</ds:KeyInfo>`)
	return sb.String()
}

func (s *Service) buildSignature(ids signatureIDs, signedInfoXML, keyInfoXML, signedPropsXML, sigValueB64 string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="` + NamespaceDS + `" xmlns:xades="` + NamespaceXAdES + `" Id="` + ids.Signature + `">`)
	sb.WriteString(signedInfoXML)
	sb.WriteString(`<ds:SignatureValue Id="` + ids.SignatureValue + `">` + sigValueB64 + `</ds:SignatureValue>`)
	sb.WriteString(keyInfoXML)
	sb.WriteString(`<ds:Object>`)
	sb.WriteString(`<xades:QualifyingProperties Target="#` + ids.Signature + `">`)
	sb.WriteString(signedPropsXML)
	sb.WriteString(`</xades:QualifyingProperties>`)
	sb.WriteString(`</ds:Object>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

// injectSignature agrega el nodo ds:Signature como último hijo de la raíz.
func injectSignature(rawXML []byte, signatureXML string) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rawXML); err != nil {
		return nil, domain.Wrap(domain.ErrSchemaViolation, "parsear XML: %v", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, domain.Wrap(domain.ErrSchemaViolation, "documento sin raíz")
	}
	sigDoc := etree.NewDocument()
	if err := sigDoc.ReadFromString(signatureXML); err != nil {
		return nil, fmt.Errorf("parsear Signature: %w", err)
	}
	sigRoot := sigDoc.Root()
	if sigRoot == nil {
		return nil, fmt.Errorf("bloque Signature vacío")
	}
	root.AddChild(sigRoot)
	return doc.WriteToBytes()
}

// verifyRoundTrip re-parsea el documento firmado, quita ds:Signature y
// comprueba que el digest canónico del resto reproduce expectedDigest.
func verifyRoundTrip(signedXML []byte, expectedDigest string) error {
	stripped, err := StripSignature(signedXML)
	if err != nil {
		return domain.Wrap(domain.ErrSignatureConsistency, "re-parsear documento firmado: %v", err)
	}
	got, err := DigestB64(stripped)
	if err != nil {
		return domain.Wrap(domain.ErrSignatureConsistency, "re-canonicalizar: %v", err)
	}
	if got != expectedDigest {
		return domain.Wrap(domain.ErrSignatureConsistency,
			"digest tras quitar la firma %s no coincide con el digest pre-firma %s", got, expectedDigest)
	}
	return nil
}

// StripSignature devuelve el documento sin su elemento ds:Signature.
// Es la misma extracción que hace el verificador remoto con la transformación
// de firma envolvente; se exporta para los tests de ida y vuelta.
func StripSignature(signedXML []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("documento sin raíz")
	}
	var sig *etree.Element
	for _, child := range root.ChildElements() {
		if child.Tag == "Signature" {
			sig = child
			break
		}
	}
	if sig == nil {
		return nil, fmt.Errorf("documento sin ds:Signature")
	}
	root.RemoveChild(sig)
	return doc.WriteToBytes()
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}
