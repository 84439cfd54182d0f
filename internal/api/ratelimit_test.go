package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(1.0, 3)

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("request beyond burst allowed")
	}

	// Other IPs have their own bucket.
	if !rl.allow("10.0.0.2") {
		t.Error("fresh ip denied")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		trustProxy bool
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.7:54321",
			want:       "203.0.113.7",
		},
		{
			name:       "proxy headers ignored when untrusted",
			remoteAddr: "203.0.113.7:54321",
			headers:    map[string]string{"X-Real-IP": "198.51.100.1"},
			want:       "203.0.113.7",
		},
		{
			name:       "x-real-ip preferred",
			trustProxy: true,
			remoteAddr: "10.0.0.1:1234",
			headers: map[string]string{
				"X-Real-IP":       "198.51.100.1",
				"X-Forwarded-For": "192.0.2.9",
			},
			want: "198.51.100.1",
		},
		{
			name:       "first forwarded-for entry",
			trustProxy: true,
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "192.0.2.9, 10.0.0.1"},
			want:       "192.0.2.9",
		},
		{
			name:       "invalid header falls back to remote addr",
			trustProxy: true,
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "not-an-ip"},
			want:       "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddlewareResponds429(t *testing.T) {
	t.Parallel()

	ts := newTestServerWithBurst(t, 2)
	token := bearerToken(t, "alice")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := ts.do(t, http.MethodGet, "/api/v1/sessions", token, nil)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("codes within burst = %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("code beyond burst = %d, want 429", codes[2])
	}
}
