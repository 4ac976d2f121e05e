// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package abide

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the ABIDE Preprocessed prefix on the public FCP-INDI bucket.
const DefaultBaseURL = "https://s3.amazonaws.com/fcp-indi/data/Projects/ABIDE_Initiative"

// DefaultPhenotypeFile is the phenotype table published under DefaultBaseURL.
const DefaultPhenotypeFile = "Phenotypic_V1_0b_preprocessed1.csv"

const userAgent = "abidedl/1"

// getBaseURL returns the base URL to use, falling back to default if empty.
func getBaseURL(base string) string {
	if base == "" {
		return DefaultBaseURL
	}
	return strings.TrimSuffix(base, "/")
}

// phenotypeURL returns the phenotype table location for cfg.
func phenotypeURL(cfg Settings) string {
	if cfg.PhenotypeURL != "" {
		return cfg.PhenotypeURL
	}
	return getBaseURL(cfg.BaseURL) + "/" + DefaultPhenotypeFile
}

// buildHTTPClient creates an HTTP client with sensible defaults.
func buildHTTPClient(cfg Settings) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// get issues a GET and returns the open response. Non-2xx statuses are
// returned as *FetchError with the body already closed.
func get(ctx context.Context, httpc *http.Client, timeout time.Duration, urlStr string) (*http.Response, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		cancel()
		return nil, nil, &FetchError{URL: urlStr, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpc.Do(req)
	if err != nil {
		cancel()
		return nil, nil, &FetchError{URL: urlStr, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancel()
		return nil, nil, &FetchError{
			URL:        urlStr,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("bad status: %s", resp.Status),
		}
	}
	return resp, cancel, nil
}

// objectURL joins base and the slash-separated relative path, escaping each segment.
func objectURL(base, rel string) string {
	return getBaseURL(base) + "/" + pathEscapeAll(rel)
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
