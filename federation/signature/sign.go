package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	AlgorithmRSASHA512 = "rsa-sha512"

	requestTarget = "(request-target)"
)

// DefaultHeaders is the signed header list for outbound requests. Digest is
// dropped from the list when the request has no body.
var DefaultHeaders = []string{requestTarget, "host", "date", "digest"}

// Sign adds Date, Digest (for non-empty bodies) and Signature headers to
// req. keyID must be the signer's public key URL, normally <actor>#main-key.
func Sign(req *http.Request, body []byte, keyID string, key *rsa.PrivateKey) error {
	return SignHeaders(req, body, keyID, key, DefaultHeaders)
}

// SignHeaders signs an explicit header list in the given order.
func SignHeaders(req *http.Request, body []byte, keyID string, key *rsa.PrivateKey, headers []string) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Host == "" {
		req.Host = req.URL.Host
	}
	if len(body) > 0 && req.Header.Get("Digest") == "" {
		sum := sha256.Sum256(body)
		req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]))
	}

	list := headers
	if len(body) == 0 {
		list = withoutDigest(headers)
	}
	signingString, err := buildSigningString(req, list)
	if err != nil {
		return err
	}
	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return errors.Wrap(err, "failed to sign request")
	}
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId=%q, algorithm=%q, headers=%q, signature=%q`,
		keyID,
		AlgorithmRSASHA256,
		strings.Join(list, " "),
		base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}

func withoutDigest(headers []string) []string {
	out := make([]string, 0, len(headers))
	for _, h := range headers {
		if strings.EqualFold(h, "digest") {
			continue
		}
		out = append(out, h)
	}
	return out
}

// buildSigningString renders one line per named header, joined by \n. The
// (request-target) pseudo header renders the lowercased method and the
// path with its query.
func buildSigningString(req *http.Request, headers []string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h)
		switch name {
		case requestTarget:
			lines = append(lines, requestTarget+": "+strings.ToLower(req.Method)+" "+req.URL.RequestURI())
		case "host":
			host := req.Host
			if host == "" {
				host = req.URL.Host
			}
			lines = append(lines, "host: "+host)
		default:
			v := req.Header.Get(name)
			if v == "" {
				return "", errors.Errorf("signed header %q missing from request", name)
			}
			lines = append(lines, name+": "+v)
		}
	}
	return strings.Join(lines, "\n"), nil
}
