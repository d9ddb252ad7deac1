package paas

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func authEngine(opts AuthOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireBearerMiddleware(opts))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.POST("/webhook", ok)
	r.GET("/api/signals", ok)
	return r
}

func authStatus(r *gin.Engine, method, path, bearer string) int {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireBearerMiddleware(t *testing.T) {
	r := authEngine(AuthOptions{})
	if got := authStatus(r, http.MethodPost, "/webhook", ""); got != http.StatusOK {
		t.Fatalf("webhook status=%d want=200", got)
	}
	if got := authStatus(r, http.MethodGet, "/api/signals", ""); got != http.StatusUnauthorized {
		t.Fatalf("no token status=%d want=401", got)
	}
	if got := authStatus(r, http.MethodGet, "/api/signals", "anything"); got != http.StatusUnauthorized {
		t.Fatalf("unconfigured arbitrary token status=%d want=401", got)
	}

	r = authEngine(AuthOptions{Token: "s3cret"})
	if got := authStatus(r, http.MethodGet, "/api/signals", "wrong"); got != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d want=401", got)
	}
	if got := authStatus(r, http.MethodGet, "/api/signals", "s3cret"); got != http.StatusOK {
		t.Fatalf("static token status=%d want=200", got)
	}

	r = authEngine(AuthOptions{RequireGateway: true})
	if got := authStatus(r, http.MethodGet, "/api/signals", "tok"); got != http.StatusUnauthorized {
		t.Fatalf("missing project status=%d want=401", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/signals", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Easyweb3-Project", "trading")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("gateway status=%d want=200", w.Code)
	}

	r = authEngine(AuthOptions{Disabled: true})
	if got := authStatus(r, http.MethodGet, "/api/signals", ""); got != http.StatusOK {
		t.Fatalf("disabled status=%d want=200", got)
	}
}

func TestAuthOptionsValidate(t *testing.T) {
	cases := []struct {
		opts AuthOptions
		ok   bool
	}{
		{AuthOptions{}, false},
		{AuthOptions{Token: "  "}, false},
		{AuthOptions{Token: "s3cret"}, true},
		{AuthOptions{RequireGateway: true}, true},
		{AuthOptions{Disabled: true}, true},
	}
	for _, tc := range cases {
		err := tc.opts.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("opts=%+v err=%v want ok=%v", tc.opts, err, tc.ok)
		}
		if err != nil && !errors.Is(err, ErrAuthUnconfigured) {
			t.Fatalf("err=%v want ErrAuthUnconfigured", err)
		}
	}
}
