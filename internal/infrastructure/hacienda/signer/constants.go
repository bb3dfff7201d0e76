// Constantes para la firma XAdES-EPES de comprobantes electrónicos
// (resolución DGT-R-48-2016, Ministerio de Hacienda).

package signer

// Namespaces y algoritmos XMLDSig / XAdES.
const (
	NamespaceDS    = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceXAdES = "http://uri.etsi.org/01903/v1.3.2#"

	AlgC14NExclusive   = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgRSASHA256       = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgSHA256          = "http://www.w3.org/2001/04/xmlenc#sha256"
	TransformEnveloped = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"

	SignedPropertiesType = "http://uri.etsi.org/01903#SignedProperties"
)

// Política de firma de Hacienda (obligatoria para XAdES-EPES).
const (
	PolicyURL = "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/" +
		"Resolucion_Comprobantes_Electronicos_DGT-R-48-2016.pdf"
	PolicyDescription = "Politica de firma para Comprobantes Electronicos Costa Rica"
)

// PolicyHashDigest es el SHA-256 del PDF de la política de firma (Base64),
// valor conocido de las implementaciones homologadas.
const PolicyHashDigest = "NmI5Njk1ZThkNzI0MmIzMGJmZDAyNDc4YjUwNzkzODM2NTBi" +
	"OWUxNTBkMmI2YjgzYzZjM2I5NTZlNDQ4OWQzMQ=="
