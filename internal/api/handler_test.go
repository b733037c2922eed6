package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gitdigital/ledgercore/internal/api"
	"github.com/gitdigital/ledgercore/internal/compliance"
	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/ledger"
	"github.com/gitdigital/ledgercore/internal/merkle"
	"github.com/gitdigital/ledgercore/internal/model"
	"github.com/gitdigital/ledgercore/internal/storage"
	"go.uber.org/zap"
)

// corruptibleStore lets a test rewrite records as they are read back.
type corruptibleStore struct {
	*storage.MemoryStore
	mutate    func(recs []*model.Record)
	failReads bool
}

func (s *corruptibleStore) Query(ctx context.Context, f storage.Filter) ([]*model.Record, error) {
	if s.failReads {
		return nil, errors.New("connection refused")
	}
	recs, err := s.MemoryStore.Query(ctx, f)
	if err == nil && s.mutate != nil {
		s.mutate(recs)
	}
	return recs, err
}

type testServer struct {
	router *gin.Engine
	store  *corruptibleStore
	ledger *ledger.Ledger
}

func setupRouter(t *testing.T, guards ...gin.HandlerFunc) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	amount, err := compliance.NewAmountLimitRule("1000000", "USD")
	if err != nil {
		t.Fatal(err)
	}
	validator := compliance.NewValidator(amount, compliance.NewSanctionedEntityRule([]string{"CU", "IR", "KP", "SY"}, nil))

	store := &corruptibleStore{MemoryStore: storage.NewMemoryStore()}
	l, err := ledger.Open(context.Background(), store, validator)
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	api.NewHandler(l, zap.NewNop()).Register(r.Group(""), guards...)
	return &testServer{router: r, store: store, ledger: l}
}

func (s *testServer) do(t *testing.T, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func paymentBody(entity string, amount int, country string) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"entity_id":  entity,
			"event_type": "payment",
			"data":       map[string]any{"amount": amount, "currency": "USD", "country_code": country},
		},
		"metadata": map[string]any{"source": "test"},
	}
}

func TestHealth_200(t *testing.T) {
	s := setupRouter(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestAppendEvent_201(t *testing.T) {
	s := setupRouter(t)

	w := s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 100, "US"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.AppendResponse
	decode(t, w, &resp)
	if resp.Status != "appended" || resp.EventID == "" {
		t.Errorf("response = %+v", resp)
	}
	if resp.ChainID != ledger.DefaultChainID || resp.Sequence != 0 {
		t.Errorf("chain/sequence = %s/%d", resp.ChainID, resp.Sequence)
	}
	if resp.MerkleRoot != s.ledger.MerkleRoot().Root {
		t.Error("response root differs from ledger root")
	}
}

// racingLedger commits a second event right after each append, as a
// concurrent writer would between Append returning and the response.
type racingLedger struct {
	*ledger.Ledger
}

func (r racingLedger) Append(ctx context.Context, ev model.Event, metadata json.RawMessage, opts ...ledger.AppendOption) (*model.Record, error) {
	rec, err := r.Ledger.Append(ctx, ev, metadata, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := r.Ledger.Append(ctx, ev, metadata); err != nil {
		return nil, err
	}
	return rec, nil
}

func TestAppendEvent_reportsRootAtCommit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, err := ledger.Open(context.Background(), storage.NewMemoryStore(), compliance.NewValidator())
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	api.NewHandler(racingLedger{l}, zap.NewNop()).Register(r.Group(""))
	s := &testServer{router: r, ledger: l}

	w := s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 100, "US"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.AppendResponse
	decode(t, w, &resp)

	if want := merkle.RootOf([]digest.Hash{resp.Digest}); resp.MerkleRoot != want {
		t.Errorf("response root = %s, want root after this append %s", resp.MerkleRoot, want)
	}
	if resp.MerkleRoot == l.MerkleRoot().Root {
		t.Error("response root includes a later append")
	}
}

func TestAppendEvent_422_complianceRejection(t *testing.T) {
	s := setupRouter(t)

	cases := []struct {
		name string
		body map[string]any
		rule string
	}{
		{"over limit", paymentBody("acct-1", 1000001, "US"), "amount_limit"},
		{"sanctioned", paymentBody("acct-1", 10, "IR"), "sanctioned_entity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/events", tc.body)
			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
			}
			var resp map[string]string
			decode(t, w, &resp)
			if resp["rule"] != tc.rule || resp["reason"] == "" {
				t.Errorf("response = %v", resp)
			}
		})
	}
	if s.ledger.MerkleRoot().TreeSize != 0 {
		t.Error("rejected events reached the tree")
	}
}

func TestAppendEvent_400_badBody(t *testing.T) {
	s := setupRouter(t)

	cases := map[string]any{
		"not json":          "{",
		"missing event":     map[string]any{"metadata": map[string]any{}},
		"missing type":      map[string]any{"event": map[string]any{"entity_id": "acct-1"}},
		"bad signature b64": map[string]any{"event": map[string]any{"entity_id": "a", "event_type": "t"}, "signature": "%%%"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if w := s.do(t, http.MethodPost, "/events", body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestAppendEvent_409_duplicateEventID(t *testing.T) {
	s := setupRouter(t)
	body := paymentBody("acct-1", 1, "US")
	body["event_id"] = "txn-1"

	if w := s.do(t, http.MethodPost, "/events", body); w.Code != http.StatusCreated {
		t.Fatalf("first append: %d %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/events", body); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAppendEvent_chainAndSignature(t *testing.T) {
	s := setupRouter(t)
	body := paymentBody("acct-1", 1, "US")
	body["chain_id"] = "settlements"
	body["signature"] = []byte{1, 2, 3}

	w := s.do(t, http.MethodPost, "/events", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.AppendResponse
	decode(t, w, &resp)

	w = s.do(t, http.MethodGet, "/events/"+resp.EventID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rec model.Record
	decode(t, w, &rec)
	if rec.ChainID != "settlements" || !bytes.Equal(rec.Signature, []byte{1, 2, 3}) {
		t.Errorf("record = %+v", rec)
	}
}

func TestGetEvent_404(t *testing.T) {
	s := setupRouter(t)
	if w := s.do(t, http.MethodGet, "/events/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/events/nope/proof", nil); w.Code != http.StatusNotFound {
		t.Errorf("proof: expected 404, got %d", w.Code)
	}
}

func TestGetProof_verifies(t *testing.T) {
	s := setupRouter(t)
	var first api.AppendResponse
	for i := 0; i < 5; i++ {
		w := s.do(t, http.MethodPost, "/events", paymentBody("acct-1", i, "US"))
		if i == 0 {
			decode(t, w, &first)
		}
	}

	w := s.do(t, http.MethodGet, "/events/"+first.EventID+"/proof", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var proof ledger.InclusionProof
	decode(t, w, &proof)
	if proof.TreeSize != 5 || proof.LeafIndex != 0 {
		t.Errorf("proof = %+v", proof)
	}
	if !merkle.VerifyInclusion(first.Digest, proof.Path, proof.Root) {
		t.Error("served proof does not verify")
	}
}

func TestAuditTrail_filters(t *testing.T) {
	s := setupRouter(t)
	s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 1, "US"))
	s.do(t, http.MethodPost, "/events", paymentBody("acct-2", 2, "US"))
	s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 3, "US"))

	var resp struct {
		Records []model.Record `json:"records"`
		Count   int            `json:"count"`
	}
	w := s.do(t, http.MethodGet, "/audit?entity_id=acct-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	decode(t, w, &resp)
	if resp.Count != 2 || len(resp.Records) != 2 {
		t.Fatalf("count = %d", resp.Count)
	}
	if resp.Records[0].Sequence > resp.Records[1].Sequence {
		t.Error("audit trail not in append order")
	}

	future := url.QueryEscape(time.Now().Add(time.Hour).Format(time.RFC3339))
	w = s.do(t, http.MethodGet, "/audit?start="+future, nil)
	decode(t, w, &resp)
	if resp.Count != 0 || resp.Records == nil {
		t.Errorf("future window: count = %d, records = %v", resp.Count, resp.Records)
	}
}

func TestAuditTrail_400_badTime(t *testing.T) {
	s := setupRouter(t)
	if w := s.do(t, http.MethodGet, "/audit?end=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestIntegrity_valid(t *testing.T) {
	s := setupRouter(t)
	s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 1, "US"))

	w := s.do(t, http.MethodGet, "/integrity", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp api.IntegrityResponse
	decode(t, w, &resp)
	if !resp.IsValid || resp.Index != nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestIntegrity_tampered(t *testing.T) {
	s := setupRouter(t)
	s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 100, "US"))
	s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 200, "US"))

	s.store.mutate = func(recs []*model.Record) {
		recs[1].PreviousHash = recs[1].Digest
	}
	w := s.do(t, http.MethodGet, "/integrity", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp api.IntegrityResponse
	decode(t, w, &resp)
	if resp.IsValid {
		t.Fatal("tampered ledger reported valid")
	}
	if resp.Index == nil || *resp.Index != 1 || resp.ChainID != ledger.DefaultChainID {
		t.Errorf("response = %+v", resp)
	}
}

func TestIntegrity_503_storageDown(t *testing.T) {
	s := setupRouter(t)
	s.store.failReads = true
	if w := s.do(t, http.MethodGet, "/integrity", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/audit", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("audit: expected 503, got %d", w.Code)
	}
}

func TestMerkleRoot_200(t *testing.T) {
	s := setupRouter(t)

	var resp api.RootResponse
	decode(t, s.do(t, http.MethodGet, "/merkle-root", nil), &resp)
	if !resp.MerkleRoot.IsZero() || resp.TreeSize != 0 {
		t.Errorf("empty root = %+v", resp)
	}

	s.do(t, http.MethodPost, "/events", paymentBody("acct-1", 1, "US"))
	decode(t, s.do(t, http.MethodGet, "/merkle-root", nil), &resp)
	if resp.TreeSize != 1 || resp.MerkleRoot != s.ledger.MerkleRoot().Root {
		t.Errorf("root = %+v", resp)
	}
}

func TestAppendEvent_bearerGuard(t *testing.T) {
	issuer, err := api.NewTokenIssuer([]byte("0123456789abcdef0123"), "ledgerd", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := setupRouter(t, api.RequireBearer(issuer, api.ScopeAppend))

	body := paymentBody("acct-1", 1, "US")
	if w := s.do(t, http.MethodPost, "/events", body); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/events", body, "Authorization", "Bearer junk"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", w.Code)
	}

	readOnly, _ := issuer.Issue("auditor", []string{"ledger:read"})
	if w := s.do(t, http.MethodPost, "/events", body, "Authorization", "Bearer "+readOnly); w.Code != http.StatusForbidden {
		t.Errorf("wrong scope: expected 403, got %d", w.Code)
	}

	writer, _ := issuer.Issue("payments-svc", []string{api.ScopeAppend})
	if w := s.do(t, http.MethodPost, "/events", body, "Authorization", "Bearer "+writer); w.Code != http.StatusCreated {
		t.Errorf("valid token: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	if w := s.do(t, http.MethodGet, "/merkle-root", nil); w.Code != http.StatusOK {
		t.Errorf("reads must not require a token, got %d", w.Code)
	}
}
