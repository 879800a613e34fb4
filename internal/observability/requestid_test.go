package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	id1, id2 := GenerateRequestID(), GenerateRequestID()
	assert.Len(t, id1, 32)
	assert.NotEqual(t, id1, id2)
}

func TestRequestIDFromContext(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	ctx := ContextWithRequestID(context.Background(), "existing")
	assert.Equal(t, "existing", RequestIDFromContext(ctx))
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		preserve bool
	}{
		{"generates", "", false},
		{"preserves", "room-42.req_1", true},
		{"rejects spaces", "bad id", false},
		{"rejects slashes", "a/b", false},
		{"rejects long", strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.NotEmpty(t, captured)
			assert.Equal(t, captured, rec.Header().Get(RequestIDHeader))
			if tt.preserve {
				assert.Equal(t, tt.inbound, captured)
			} else {
				assert.NotEqual(t, tt.inbound, captured)
			}
		})
	}
}
