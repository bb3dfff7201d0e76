package signer

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"github.com/ucarion/c14n"
)

// Canonicalize produce la forma canónica (C14N exclusivo, sin comentarios)
// de un documento o fragmento XML. Siempre pasa por el árbol de tokens del
// decodificador, nunca por concatenación de strings: el invariante del
// pipeline es que canonicalizar el mismo documento lógico dos veces, sin
// importar cómo fue producido o re-parseado, da bytes idénticos.
func Canonicalize(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = map[string]string{}
	out, err := c14n.Canonicalize(dec)
	if err != nil {
		return nil, fmt.Errorf("c14n: %w", err)
	}
	return out, nil
}

// DigestB64 digest SHA-256 en Base64 de la forma canónica de data.
func DigestB64(data []byte) (string, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
