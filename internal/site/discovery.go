package site

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// minimumAPIVersion is the oldest user-api-key protocol the tracker speaks.
const minimumAPIVersion = 2

// DefaultDiscoveryTimeout bounds the unauthenticated discovery probes.
const DefaultDiscoveryTimeout = 10 * time.Second

var schemePattern = regexp.MustCompile(`^https?://`)

// FromTerm normalises a user-entered term into a URL and discovers the site
// behind it. The term may omit the scheme.
func FromTerm(ctx context.Context, term string, opts ...Option) (*Site, error) {
	term = strings.TrimSpace(norm.NFC.String(term))
	for strings.HasSuffix(term, "/") {
		term = strings.TrimSuffix(term, "/")
	}
	if term == "" {
		return nil, ErrInvalidSite
	}

	url := term
	if !schemePattern.MatchString(url) {
		url = "http://" + url
	}
	return FromURL(ctx, url, opts...)
}

type basicInfo struct {
	Title                 string `json:"title"`
	Description           string `json:"description"`
	AppleTouchIconURL     string `json:"apple_touch_icon_url"`
	HeaderBackgroundColor string `json:"header_background_color"`
	HeaderPrimaryColor    string `json:"header_primary_color"`
}

// FromURL probes url for user-api-key support and, when the site qualifies,
// returns a new unauthenticated Site built from its basic info. The
// canonical URL is the final redirect target with path and port stripped.
func FromURL(ctx context.Context, url string, opts ...Option) (*Site, error) {
	probe := &Site{}
	for _, opt := range opts {
		opt(probe)
	}
	httpClient := probe.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultDiscoveryTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url+"/user-api-key/new", nil)
	if err != nil {
		return nil, ErrInvalidSite
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrDomain, err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrBadApi
	case resp.StatusCode != http.StatusOK:
		return nil, ErrDomain
	}

	version, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Auth-Api-Version")))
	if err != nil || version < minimumAPIVersion {
		return nil, ErrBadApi
	}

	// store the final destination after redirects, not the origin
	final := resp.Request.URL
	canonical := final.Scheme + "://" + final.Hostname()

	infoReq, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical+"/site/basic-info.json", nil)
	if err != nil {
		return nil, ErrInvalidSite
	}
	infoResp, err := httpClient.Do(infoReq)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrDomain, err)
	}
	defer infoResp.Body.Close()
	if infoResp.StatusCode != http.StatusOK {
		return nil, ErrUnknown
	}

	var info basicInfo
	if err := json.NewDecoder(infoResp.Body).Decode(&info); err != nil {
		return nil, ErrUnknown
	}

	record := Record{
		URL:         canonical,
		Title:       info.Title,
		Description: info.Description,
		Icon:        info.AppleTouchIconURL,
	}
	if info.HeaderBackgroundColor != "" {
		record.HeaderBackgroundColor = "#" + info.HeaderBackgroundColor
	}
	if info.HeaderPrimaryColor != "" {
		record.HeaderPrimaryColor = "#" + info.HeaderPrimaryColor
	}
	return FromRecord(record, opts...), nil
}
