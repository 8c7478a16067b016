package lark

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	lark "github.com/larksuite/oapi-sdk-go/v3"

	"github.com/astrolane/larkbridge/internal/config"
)

func TestValidateAuth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		cfg      config.LarkConfig
		payload  string
		wantCode int
	}{
		{
			name:    "matching token accepted",
			cfg:     config.LarkConfig{VerificationToken: "vt_1"},
			payload: `{"token":"vt_1","type":"event_callback"}`,
		},
		{
			name:    "header token accepted",
			cfg:     config.LarkConfig{VerificationToken: "vt_1"},
			payload: `{"header":{"token":"vt_1"},"schema":"2.0"}`,
		},
		{
			name:    "challenge passes without token",
			cfg:     config.LarkConfig{VerificationToken: "vt_1"},
			payload: `{"type":"url_verification","challenge":"abc"}`,
		},
		{
			name:    "encrypt key delegates to sdk",
			cfg:     config.LarkConfig{EncryptKey: "ek_1"},
			payload: `{"encrypt":"..."}`,
		},
		{
			name:     "wrong token rejected",
			cfg:      config.LarkConfig{VerificationToken: "vt_1"},
			payload:  `{"token":"vt_2","type":"event_callback"}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "missing token rejected",
			cfg:      config.LarkConfig{VerificationToken: "vt_1"},
			payload:  `{"type":"event_callback"}`,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "no credentials configured rejected",
			cfg:      config.LarkConfig{},
			payload:  `{"token":"vt_1","type":"event_callback"}`,
			wantCode: http.StatusForbidden,
		},
		{
			name:     "garbage payload rejected",
			cfg:      config.LarkConfig{VerificationToken: "vt_1"},
			payload:  `not json`,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := NewWebhookHandler(nil, NewAdapter(nil, tc.cfg), nil)
			err := h.validateAuth([]byte(tc.payload))
			if tc.wantCode == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected HTTP error, got %v", err)
			}
			if httpErr.Code != tc.wantCode {
				t.Fatalf("expected status %d, got %d", tc.wantCode, httpErr.Code)
			}
		})
	}
}

func TestOpenBaseURL(t *testing.T) {
	t.Parallel()

	if got := OpenBaseURL("lark"); got != lark.LarkBaseUrl {
		t.Fatalf("unexpected lark base url: %s", got)
	}
	if got := OpenBaseURL("feishu"); got != lark.FeishuBaseUrl {
		t.Fatalf("unexpected feishu base url: %s", got)
	}
	if got := OpenBaseURL(""); got != lark.FeishuBaseUrl {
		t.Fatalf("unexpected default base url: %s", got)
	}
}
