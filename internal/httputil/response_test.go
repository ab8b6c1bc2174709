package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/R3E-Network/donation_ledger/internal/errors"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp
}

func TestWriteErrorClassified(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperrors.Submission("broadcast", errors.New("timeout"), false).WithDetails("tx_hash", "0x01"))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp.Success || resp.Error == nil {
		t.Fatalf("unexpected envelope %+v", resp)
	}
	if resp.Error.Code != "SUBMISSION_FAILED" || resp.Error.Retryable || resp.Error.Details["tx_hash"] != "0x01" {
		t.Fatalf("unexpected error body %+v", resp.Error)
	}
}

func TestWriteErrorHidesInternalText(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: password authentication failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("internal error text leaked: %s", rec.Body.String())
	}
}

func TestReadJSON(t *testing.T) {
	var v struct {
		Amount string `json:"amount"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"5"}`))
	if err := ReadJSON(httptest.NewRecorder(), req, &v); err != nil || v.Amount != "5" {
		t.Fatalf("read: %v %+v", err, v)
	}

	for _, body := range []string{"", `{"amount":`, `{"other":1}`, `{"amount":"1"}{"amount":"2"}`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if err := ReadJSON(httptest.NewRecorder(), req, &v); !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("body %q: expected validation error, got %v", body, err)
		}
	}
}
