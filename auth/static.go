package auth

import (
	"context"
	"net/http"
)

// HeaderProvider yields the authentication headers to attach to requests
// against a server. Provider implements it with OAuth bearer tokens; the
// static providers below cover servers with fixed credentials.
type HeaderProvider interface {
	Headers(ctx context.Context) (http.Header, error)
}

var _ HeaderProvider = (*Provider)(nil)

// DefaultAPIKeyHeader carries the key when no header name is configured.
const DefaultAPIKeyHeader = "X-API-Key"

type staticHeaderProvider struct {
	header string
	value  string
}

var _ HeaderProvider = (*staticHeaderProvider)(nil)

// NewAPIKeyProvider returns a HeaderProvider that sends a fixed API key.
// An empty header name defaults to DefaultAPIKeyHeader.
func NewAPIKeyProvider(header, key string) (HeaderProvider, error) {
	if key == "" {
		return nil, &ConfigurationError{Reason: "empty API key"}
	}
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	return &staticHeaderProvider{header: header, value: key}, nil
}

// NewBearerProvider returns a HeaderProvider that sends a fixed bearer
// token, for servers whose tokens are issued out of band.
func NewBearerProvider(token string) (HeaderProvider, error) {
	if token == "" {
		return nil, &ConfigurationError{Reason: "empty bearer token"}
	}
	return &staticHeaderProvider{header: "Authorization", value: "Bearer " + token}, nil
}

func (s *staticHeaderProvider) Headers(context.Context) (http.Header, error) {
	headers := http.Header{}
	headers.Set(s.header, s.value)
	return headers, nil
}
