package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxHTTPResponseBytes = 256 * 1024

var allowedHTTPMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// NewHTTPRequest returns the http_request tool.
func NewHTTPRequest() *Tool {
	hc := &http.Client{Timeout: 30 * time.Second}
	return &Tool{
		Name:        "http_request",
		Description: "Perform an HTTP request. Method must be GET, POST, PUT, or DELETE.",
		Params: []Param{
			{Name: "method", Type: "string", Description: "HTTP method", Required: true},
			{Name: "url", Type: "string", Description: "Request URL", Required: true},
			{Name: "body", Type: "string", Description: "Optional request body"},
			{Name: "content_type", Type: "string", Description: "Content-Type header for the body"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			method, err := stringArg(args, "method")
			if err != nil {
				return "", err
			}
			method = strings.ToUpper(method)
			if !allowedHTTPMethods[method] {
				return "", fmt.Errorf("method %s not allowed", method)
			}
			url, err := stringArg(args, "url")
			if err != nil {
				return "", err
			}
			body := optionalStringArg(args, "body", "")

			var rd io.Reader
			if body != "" {
				rd = strings.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, rd)
			if err != nil {
				return "", err
			}
			if body != "" {
				req.Header.Set("Content-Type", optionalStringArg(args, "content_type", "application/json"))
			}

			resp, err := hc.Do(req)
			if err != nil {
				return "", err
			}
			defer func() { _ = resp.Body.Close() }()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(map[string]any{
				"status": resp.StatusCode,
				"body":   string(data),
			})
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}
