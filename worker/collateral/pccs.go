/*
Copyright (c) Edgeless Systems GmbH

SPDX-License-Identifier: BUSL-1.1
*/

package collateral

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxResponseSize = 1 << 20

// PCCSClient fetches collateral from an Intel PCS compatible caching service.
type PCCSClient struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewPCCSClient creates a client for the service at baseURL,
// e.g. https://api.trustedservices.intel.com/sgx/certification/v4.
func NewPCCSClient(baseURL string, client *http.Client, log *zap.Logger) *PCCSClient {
	return &PCCSClient{baseURL: strings.TrimSuffix(baseURL, "/"), client: client, log: log}
}

// Fetch returns the collateral for a platform with the given FMSPC whose PCK
// certificate was issued by the given CA ("platform" or "processor").
func (c *PCCSClient) Fetch(ctx context.Context, fmspc, ca string) (*Collateral, error) {
	c.log.Debug("Fetching collateral", zap.String("fmspc", fmspc), zap.String("ca", ca))
	col := &SgxV30{}

	crl, header, err := c.get(ctx, "/pckcrl", url.Values{"ca": {ca}, "encoding": {"der"}}, "SGX-PCK-CRL-Issuer-Chain")
	if err != nil {
		return nil, fmt.Errorf("fetching PCK CRL: %w", err)
	}
	col.PCKCRL, col.PCKCRLIssuerChain = crl, header

	body, header, err := c.get(ctx, "/tcb", url.Values{"fmspc": {fmspc}}, "TCB-Info-Issuer-Chain")
	if err != nil {
		return nil, fmt.Errorf("fetching TCB info: %w", err)
	}
	col.TCBInfo, col.TCBInfoSignature, err = splitSigned(body, "tcbInfo")
	if err != nil {
		return nil, fmt.Errorf("parsing TCB info: %w", err)
	}
	col.TCBInfoIssuerChain = header

	body, header, err = c.get(ctx, "/qe/identity", nil, "SGX-Enclave-Identity-Issuer-Chain")
	if err != nil {
		return nil, fmt.Errorf("fetching QE identity: %w", err)
	}
	col.QEIdentity, col.QEIdentitySignature, err = splitSigned(body, "enclaveIdentity")
	if err != nil {
		return nil, fmt.Errorf("parsing QE identity: %w", err)
	}
	col.QEIdentityIssuerChain = header

	rootCRL, _, err := c.get(ctx, "/rootcacrl", nil, "")
	if err != nil {
		return nil, fmt.Errorf("fetching root CA CRL: %w", err)
	}
	// PCCS serves the root CA CRL hex encoded, Intel's PCS serves DER.
	if decoded, err := hex.DecodeString(strings.TrimSpace(string(rootCRL))); err == nil {
		rootCRL = decoded
	}
	col.RootCACRL = rootCRL

	return &Collateral{SgxV30: col}, nil
}

func (c *PCCSClient) get(ctx context.Context, path string, query url.Values, chainHeader string) ([]byte, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, err
	}
	if chainHeader == "" {
		return body, nil, nil
	}
	chain, err := url.QueryUnescape(resp.Header.Get(chainHeader))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding %s header: %w", chainHeader, err)
	}
	if chain == "" {
		return nil, nil, fmt.Errorf("missing %s header", chainHeader)
	}
	return body, []byte(chain), nil
}

// splitSigned extracts the exact text of the signed object and its signature.
func splitSigned(body []byte, field string) ([]byte, []byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, nil, errors.New("response is not valid JSON")
	}
	signed := gjson.GetBytes(body, field)
	if !signed.IsObject() {
		return nil, nil, fmt.Errorf("missing %s object", field)
	}
	sig, err := hex.DecodeString(gjson.GetBytes(body, "signature").String())
	if err != nil {
		return nil, nil, fmt.Errorf("decoding signature: %w", err)
	}
	return []byte(signed.Raw), sig, nil
}
