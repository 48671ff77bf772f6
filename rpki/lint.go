package rpki

import (
	"github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"

	verrors "github.com/openrpki/rpvalid/errors"
)

// LintFindings reports the zlint check names that failed at Warn severity
// or above against a certificate, beyond the structural checks
// ParseCertificate already enforces. This is advisory: callers log
// findings rather than reject an object over them, since zlint's default
// registry covers the broader Web PKI profile and some of its checks
// don't apply to RPKI certificates.
func LintFindings(der []byte) ([]string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, verrors.New(verrors.InvalidInput, "lint: parsing certificate: %s", err)
	}
	result := zlint.LintCertificate(cert, lint.GlobalRegistry())
	var findings []string
	for name, r := range result.Results {
		if r == nil {
			continue
		}
		if r.Status == lint.Error || r.Status == lint.Fatal || r.Status == lint.Warn {
			findings = append(findings, name)
		}
	}
	return findings, nil
}
