package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/quantsim/internal/encodings"
	"github.com/samcharles93/quantsim/internal/frontend/onnx"
	"github.com/samcharles93/quantsim/internal/quantsim"
	"github.com/samcharles93/quantsim/internal/tensor"
)

func newTestSim(t *testing.T, calibrate bool) *quantsim.Sim {
	t.Helper()
	m, err := onnx.New(&onnx.ModelProto{
		Graph: onnx.GraphProto{
			Node: []onnx.NodeProto{
				{Name: "fc", OpType: "Gemm", Input: []string{"input", "fc.weight", "fc.bias"}, Output: []string{"fc_out"},
					Attribute: []onnx.Attribute{onnx.IntAttr("transB", 1)}},
				{Name: "act", OpType: "Sigmoid", Input: []string{"fc_out"}, Output: []string{"output"}},
			},
			Initializer: []onnx.TensorProto{
				onnx.NewTensorProto("fc.weight", tensor.Rand(1, 3, 4)),
				onnx.NewTensorProto("fc.bias", tensor.Rand(2, 3)),
			},
			Input:  []onnx.ValueInfo{{Name: "input", Shape: []int{2, 4}}},
			Output: []onnx.ValueInfo{{Name: "output", Shape: []int{2, 3}}},
		},
	})
	if err != nil {
		t.Fatalf("onnx.New: %v", err)
	}
	sim, err := quantsim.New(m, quantsim.Options{})
	if err != nil {
		t.Fatalf("quantsim.New: %v", err)
	}
	if calibrate {
		err := sim.ComputeEncodings(context.Background(), func(ctx context.Context, r quantsim.Runner, _ any) error {
			_, err := r.Run(ctx, tensor.Rand(3, 2, 4))
			return err
		}, nil)
		if err != nil {
			t.Fatalf("ComputeEncodings: %v", err)
		}
	}
	return sim
}

func newTestEcho(sim *quantsim.Sim) *echo.Echo {
	e := echo.New()
	NewServer(sim).Register(e)
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestGetSim(t *testing.T) {
	t.Parallel()
	sim := newTestSim(t, true)
	rec := do(t, newTestEcho(sim), http.MethodGet, "/v1/sim", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	info := decode[SimInfo](t, rec)
	if info.ID != sim.ID().String() {
		t.Fatalf("expected id %s, got %s", sim.ID(), info.ID)
	}
	if info.Ops != 2 || info.Activations != 3 || info.Params != 2 {
		t.Fatalf("unexpected counts %+v", info)
	}
	// input, fc_out, output and fc.weight; the bias is off by default.
	if info.Enabled != 4 || info.Calibrated != 4 {
		t.Fatalf("expected 4 enabled and calibrated quantizers, got %+v", info)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("expected a request id header")
	}
}

func TestListQuantizers(t *testing.T) {
	t.Parallel()
	e := newTestEcho(newTestSim(t, false))

	rec := do(t, e, http.MethodGet, "/v1/sim/quantizers?kind=param", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	list := decode[QuantizerList](t, rec)
	if len(list.Data) != 2 || list.Data[0].Name != "fc.weight" || list.Data[1].Name != "fc.bias" {
		t.Fatalf("unexpected param quantizers %+v", list.Data)
	}
	if list.Data[0].State != "uncalibrated" || list.Data[0].Encodings != nil {
		t.Fatalf("expected an uncalibrated weight without encodings, got %+v", list.Data[0])
	}

	rec = do(t, e, http.MethodGet, "/v1/sim/quantizers?kind=bias", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
	body := decode[ErrorResponse](t, rec)
	if body.Error.Type != "invalid_request_error" || body.Error.RequestID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestGetQuantizer(t *testing.T) {
	t.Parallel()
	e := newTestEcho(newTestSim(t, true))

	rec := do(t, e, http.MethodGet, "/v1/sim/quantizers/output", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	q := decode[QuantizerInfo](t, rec)
	if q.Kind != "activation" || q.Symmetry != "asymmetric" || len(q.Encodings) != 1 || q.Device != "cpu" {
		t.Fatalf("unexpected quantizer %+v", q)
	}

	rec = do(t, e, http.MethodGet, "/v1/sim/quantizers/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEncodingsTransfer(t *testing.T) {
	t.Parallel()
	src := newTestEcho(newTestSim(t, true))
	rec := do(t, src, http.MethodGet, "/v1/sim/encodings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	exported := rec.Body.String()

	tests := []struct {
		name   string
		path   string
		body   func() string
		status int
	}{
		{"bad strict flag", "/v1/sim/encodings?strict=maybe", func() string { return exported }, http.StatusBadRequest},
		{"not a document", "/v1/sim/encodings", func() string { return `{"version":` }, http.StatusBadRequest},
		{
			name: "strict mismatch",
			path: "/v1/sim/encodings?strict=true",
			body: func() string {
				doc, _ := encodings.Read(strings.NewReader(exported))
				doc.ActivationEncodings["output"][0].Bitwidth = 16
				data, _ := json.Marshal(doc)
				return string(data)
			},
			status: http.StatusConflict,
		},
		{"strict match", "/v1/sim/encodings", func() string { return exported }, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dst := newTestSim(t, false)
			rec := do(t, newTestEcho(dst), http.MethodPost, tc.path, tc.body())
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rec.Code, rec.Body.String())
			}
			q, _ := dst.Quantizer("output")
			switch tc.status {
			case http.StatusOK:
				res := decode[ApplyEncodingsResponse](t, rec)
				if !res.Applied || !res.Strict || len(res.Mismatches) != 0 {
					t.Fatalf("unexpected apply response %+v", res)
				}
				if !q.Calibrated() {
					t.Fatal("expected the loaded quantizer to be calibrated")
				}
			case http.StatusConflict:
				body := decode[ErrorResponse](t, rec)
				if len(body.Mismatches) == 0 {
					t.Fatal("expected the mismatches in the error body")
				}
				fallthrough
			default:
				if q.Calibrated() {
					t.Fatal("a rejected document must not change the sim")
				}
			}
		})
	}
}

func TestNoSim(t *testing.T) {
	t.Parallel()
	e := newTestEcho(nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/sim", nil)
	req.Header.Set(echo.HeaderXRequestID, "req_fixed")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decode[ErrorResponse](t, rec)
	if body.Error.RequestID != "req_fixed" {
		t.Fatalf("expected the client request id to be echoed, got %q", body.Error.RequestID)
	}
}
