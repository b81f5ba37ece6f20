/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package attestation

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"

	"github.com/cesslab/ceseal/internal/tcb"
	"github.com/cesslab/ceseal/worker/collateral"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	iasSubscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
	iasSignatureHeader       = "X-IASReport-Signature"
	iasCertificateHeader     = "X-IASReport-Signing-Certificate"
	iasMaxResponseSize       = 1 << 16
	iasQuoteStatusSigInvalid = "SIGNATURE_INVALID"

	gramineQuotePath      = "/dev/attestation/quote"
	gramineReportDataPath = "/dev/attestation/user_report_data"
)

// QuoteSource produces a platform quote over report data.
type QuoteSource interface {
	Quote(reportData []byte) ([]byte, error)
}

// GramineQuoteSource obtains quotes through Gramine's attestation pseudo files.
type GramineQuoteSource struct {
	fs afero.Fs
}

// NewGramineQuoteSource creates a quote source reading from fs.
func NewGramineQuoteSource(fs afero.Fs) *GramineQuoteSource {
	return &GramineQuoteSource{fs: fs}
}

// Quote writes the report data and reads back the quote.
func (s *GramineQuoteSource) Quote(reportData []byte) ([]byte, error) {
	if _, err := s.fs.Stat(gramineQuotePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrPlatformUnavailable, gramineQuotePath)
		}
		return nil, err
	}
	if err := afero.WriteFile(s.fs, gramineReportDataPath, reportData, 0o600); err != nil {
		return nil, fmt.Errorf("writing report data: %w", err)
	}
	quote, err := afero.ReadFile(s.fs, gramineQuotePath)
	if err != nil {
		return nil, fmt.Errorf("reading quote: %w", err)
	}
	return quote, nil
}

// IASConfig configures the connection to the Intel Attestation Service.
type IASConfig struct {
	APIKey string
	// Endpoint is the full URL of the report API.
	Endpoint string
	Client   *http.Client
}

// IASEngine attests enclaves with EPID quotes that are verified by IAS.
// Reports are checked against a pinned report signing root.
type IASEngine struct {
	cfg    IASConfig
	quotes QuoteSource
	root   *x509.Certificate
	clock  clock.PassiveClock
	log    *zap.Logger
}

// NewIASEngine creates an IAS engine. quotes may be nil for a verify-only engine.
func NewIASEngine(cfg IASConfig, quotes QuoteSource, root *x509.Certificate, clock clock.PassiveClock, log *zap.Logger) (*IASEngine, error) {
	if root == nil {
		return nil, errors.New("no IAS report signing root given")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &IASEngine{cfg: cfg, quotes: quotes, root: root, clock: clock, log: log}, nil
}

// Provider implements Engine.
func (e *IASEngine) Provider() Provider {
	return ProviderSgxIas
}

// Generate implements Engine.
func (e *IASEngine) Generate(ctx context.Context, data []byte) (*Report, error) {
	rd, err := reportData(data)
	if err != nil {
		return nil, err
	}
	if e.quotes == nil {
		return nil, fmt.Errorf("%w: no quote source configured", ErrPlatformUnavailable)
	}
	quote, err := e.quotes.Quote(rd[:])
	if err != nil {
		if errors.Is(err, ErrPlatformUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, err)
	}
	report, err := e.requestReport(ctx, quote)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuoteGeneration, err)
	}
	e.log.Debug("Received IAS report", zap.Int("reportSize", len(report.RAReport)))
	return &Report{SgxIas: report}, nil
}

func (e *IASEngine) requestReport(ctx context.Context, quote []byte) (*IasReport, error) {
	body, err := json.Marshal(map[string]string{"isvEnclaveQuote": base64.StdEncoding.EncodeToString(quote)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(iasSubscriptionKeyHeader, e.cfg.APIKey)

	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raReport, err := io.ReadAll(io.LimitReader(resp.Body, iasMaxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IAS returned %s", resp.Status)
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Header.Get(iasSignatureHeader))
	if err != nil {
		return nil, fmt.Errorf("decoding report signature: %w", err)
	}
	certPEM, err := url.QueryUnescape(resp.Header.Get(iasCertificateHeader))
	if err != nil {
		return nil, fmt.Errorf("decoding report signing certificate: %w", err)
	}
	chain, err := collateral.ParseChain([]byte(certPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing report signing certificate: %w", err)
	}
	return &IasReport{RAReport: raReport, Signature: sig, SigningCert: chain[0].Raw}, nil
}

// Verify implements Engine.
func (e *IASEngine) Verify(_ context.Context, report *Report, expectedData []byte, policy TrustPolicy) (*VerifiedIdentity, error) {
	provider, err := report.Provider()
	if err != nil {
		return nil, err
	}
	if provider != ProviderSgxIas {
		return nil, fmt.Errorf("%w: IAS engine can't verify %s reports", ErrAttestationInvalid, provider)
	}
	ias := report.SgxIas
	if err := e.verifySignature(ias); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
	}

	doc := gjson.ParseBytes(ias.RAReport)
	if !gjson.ValidBytes(ias.RAReport) || !doc.IsObject() {
		return nil, fmt.Errorf("%w: report is not a JSON object", ErrAttestationInvalid)
	}
	quoteStatus := doc.Get("isvEnclaveQuoteStatus").String()
	if quoteStatus == iasQuoteStatusSigInvalid {
		return nil, fmt.Errorf("%w: IAS rejected the quote signature", ErrAttestationInvalid)
	}
	status, err := tcb.ParseStatus(quoteStatus)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
	}
	quote, err := base64.StdEncoding.DecodeString(doc.Get("isvEnclaveQuoteBody").String())
	if err != nil {
		return nil, fmt.Errorf("%w: decoding quote body: %w", ErrAttestationInvalid, err)
	}
	if len(quote) < signedQuoteDataSize {
		return nil, fmt.Errorf("%w: quote body too short: %d bytes", ErrAttestationInvalid, len(quote))
	}
	body := parseReportBody(quote[quoteHeaderSize:signedQuoteDataSize])

	var advisories []string
	for _, id := range doc.Get("advisoryIDs").Array() {
		advisories = append(advisories, id.String())
	}
	id := &VerifiedIdentity{
		Provider:        ProviderSgxIas,
		UniqueID:        bytes.Clone(body.MREnclave[:]),
		SignerID:        bytes.Clone(body.MRSigner[:]),
		ProductID:       body.ISVProdID,
		SecurityVersion: body.ISVSVN,
		Debug:           body.Debug(),
		TCBStatus:       status,
		Advisories:      advisories,
		ReportData:      bytes.Clone(body.ReportData[:]),
	}
	return finish(id, expectedData, policy, nil)
}

func (e *IASEngine) verifySignature(report *IasReport) error {
	cert, err := x509.ParseCertificate(report.SigningCert)
	if err != nil {
		return fmt.Errorf("parsing signing certificate: %w", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(e.root)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: e.clock.Now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("verifying signing certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("signing certificate has no RSA key")
	}
	digest := sha256.Sum256(report.RAReport)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], report.Signature); err != nil {
		return fmt.Errorf("verifying report signature: %w", err)
	}
	return nil
}
