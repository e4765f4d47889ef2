package http

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/wesleyorama2/apptload/internal/performance"
)

// Build constructs an http.Request for req relative to baseURL.
//
// The request path may carry its own query string; it is merged with any
// query on the base URL.
func Build(ctx context.Context, baseURL string, req *performance.Request) (*http.Request, error) {
	reqURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	path, rawQuery, _ := strings.Cut(req.Path, "?")

	// Join the base URL path with the request path
	if reqURL.Path == "" {
		reqURL.Path = "/" + strings.TrimLeft(path, "/")
	} else {
		reqURL.Path = strings.TrimRight(reqURL.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}

	if rawQuery != "" {
		extra, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, err
		}
		query := reqURL.Query()
		for key, values := range extra {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		reqURL.RawQuery = query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL.String(), newBodyReader(req.Body))
	if err != nil {
		return nil, err
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	return httpReq, nil
}
