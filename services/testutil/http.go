package testutil

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/gin-gonic/gin"
)

func MakeAuthRequest(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	return makeRequest(router, method, path, body, func(h map[string]string) {
		if token != "" {
			h["Authorization"] = "Bearer " + token
		}
	})
}

func MakeAPIRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return MakeAuthRequest(router, method, path, body, "")
}

// MakeKeyRequest authenticates with an X-API-Key header instead of a bearer token.
func MakeKeyRequest(router *gin.Engine, method, path string, body any, key string) *httptest.ResponseRecorder {
	return makeRequest(router, method, path, body, func(h map[string]string) {
		h[apikey.Header] = key
	})
}

func makeRequest(router *gin.Engine, method, path string, body any, headers func(map[string]string)) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:40000"
	h := map[string]string{}
	headers(h)
	for k, v := range h {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
