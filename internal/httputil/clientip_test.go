package httputil

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		expected   string
	}{
		{
			name:       "remote addr",
			remoteAddr: "192.0.2.10:54321",
			expected:   "192.0.2.10",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			expected:   "2001:db8::1",
		},
		{
			name:       "headers ignored without trusted proxy",
			remoteAddr: "10.0.0.2:8080",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			expected:   "10.0.0.2",
		},
		{
			name:       "first forwarded hop",
			remoteAddr: "10.0.0.2:8080",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"},
			trustProxy: true,
			expected:   "203.0.113.7",
		},
		{
			name:       "garbage forwarded header falls back to real ip",
			remoteAddr: "10.0.0.2:8080",
			headers:    map[string]string{"X-Forwarded-For": "<script>", "X-Real-IP": "198.51.100.4"},
			trustProxy: true,
			expected:   "198.51.100.4",
		},
		{
			name:       "garbage headers fall back to remote addr",
			remoteAddr: "10.0.0.2:8080",
			headers:    map[string]string{"X-Real-IP": "nope"},
			trustProxy: true,
			expected:   "10.0.0.2",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "10.0.0.3",
			expected:   "10.0.0.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/health", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, ClientIP(r, tt.trustProxy))
		})
	}
}
