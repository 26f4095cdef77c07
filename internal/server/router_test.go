package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/auth"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/indexer"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/metrics"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/mirror"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/reader"
	"github.com/gagliardetto/solana-go"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type stubStateReader struct {
	state reader.AccountState
	err   error
}

func (s stubStateReader) Read(_ context.Context, dataAccount solana.PublicKey) (reader.AccountState, error) {
	state := s.state
	state.DataAccount = dataAccount
	return state, s.err
}

type stubPhase struct{}

func (stubPhase) Phase() indexer.Phase {
	return indexer.PhaseIdle
}

type routerFixture struct {
	handler  http.Handler
	store    *mirror.Store
	realtime *RealtimeDispatcher
	tokens   *auth.TokenIssuer
}

func newTestStore(t *testing.T) *mirror.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "mirror.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&mirror.IndexedRow{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := mirror.NewStore(mirror.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newRouterFixture(t *testing.T, withAuth bool, stateReader StateReader) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := &routerFixture{
		store:    newTestStore(t),
		realtime: NewRealtimeDispatcher(),
	}
	deps := Dependencies{
		Store:    fixture.store,
		Reader:   stateReader,
		Realtime: fixture.realtime,
		Indexer:  stubPhase{},
		Metrics:  metrics.NewCollector(),
	}
	if withAuth {
		tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte("test-signing-secret"),
			Issuer:        "dataaccount-indexer",
			Audience:      "dataaccount-api",
			TokenTTL:      time.Minute,
		})
		if err != nil {
			t.Fatalf("failed to create token issuer: %v", err)
		}
		fixture.tokens = tokens
		deps.TokenManager = tokens
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f *routerFixture) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) seed(t *testing.T, rows ...mirror.IndexedRow) {
	t.Helper()
	for _, row := range rows {
		if _, err := f.store.Upsert(context.Background(), row); err != nil {
			t.Fatalf("failed to seed row: %v", err)
		}
	}
}

func TestGetAccountReturnsMirroredRow(t *testing.T) {
	fixture := newRouterFixture(t, false, stubStateReader{})
	account := solana.NewWallet().PublicKey().String()
	authority := solana.NewWallet().PublicKey().String()
	fixture.seed(t, mirror.IndexedRow{
		DataAccount:         account,
		Authority:           authority,
		DataType:            uint8(layout.DataTypeJSON),
		Data:                `{"a":1}`,
		TxID:                "tx-1",
		SerializationStatus: uint8(layout.SerializationVerified),
	})

	recorder := fixture.get(t, "/accounts/"+account, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload accountPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Authority != authority || payload.TxID != "tx-1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.DataType != "json" || payload.SerializationStatus != "verified" {
		t.Fatalf("unexpected enums %+v", payload)
	}
	if string(payload.Data) != `{"a":1}` {
		t.Fatalf("expected embedded json document, got %s", payload.Data)
	}
}

func TestGetAccountErrors(t *testing.T) {
	fixture := newRouterFixture(t, false, stubStateReader{})

	if recorder := fixture.get(t, "/accounts/not-an-address", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for malformed address, got %d", recorder.Code)
	}
	missing := solana.NewWallet().PublicKey().String()
	if recorder := fixture.get(t, "/accounts/"+missing, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found for unknown account, got %d", recorder.Code)
	}
}

func TestListAccountsFiltersByAuthority(t *testing.T) {
	fixture := newRouterFixture(t, false, stubStateReader{})
	authority := solana.NewWallet().PublicKey().String()
	other := solana.NewWallet().PublicKey().String()
	fixture.seed(t,
		mirror.IndexedRow{DataAccount: solana.NewWallet().PublicKey().String(), Authority: authority, Data: "{}", TxID: "tx-1"},
		mirror.IndexedRow{DataAccount: solana.NewWallet().PublicKey().String(), Authority: other, Data: "{}", TxID: "tx-2"},
	)

	recorder := fixture.get(t, "/accounts?authority="+authority, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload accountListPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Accounts) != 1 || payload.Accounts[0].Authority != authority {
		t.Fatalf("unexpected accounts %+v", payload.Accounts)
	}

	if recorder := fixture.get(t, "/accounts?limit=zero", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid limit, got %d", recorder.Code)
	}
	if recorder := fixture.get(t, "/accounts?authority=bogus", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid authority, got %d", recorder.Code)
	}
}

func TestGetRawServesDecodedPayload(t *testing.T) {
	fixture := newRouterFixture(t, false, stubStateReader{})
	account := solana.NewWallet().PublicKey().String()
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00}
	fixture.seed(t, mirror.IndexedRow{
		DataAccount: account,
		Authority:   "authority",
		DataType:    uint8(layout.DataTypeCustom),
		Data:        mirror.RenderPayload(layout.DataTypeCustom, layout.SerializationUnverified, payload),
		TxID:        "tx-1",
	})

	recorder := fixture.get(t, "/accounts/"+account+"/raw", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder.Header().Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", recorder.Header().Get("Content-Type"))
	}
	if recorder.Body.String() != string(payload) {
		t.Fatalf("expected %x, got %x", payload, recorder.Body.Bytes())
	}
}

func TestGetRawServesVerifiedJSONVerbatim(t *testing.T) {
	fixture := newRouterFixture(t, false, stubStateReader{})
	account := solana.NewWallet().PublicKey().String()
	payload := []byte(`{"encoding":"base58","data":"2g"}`)
	fixture.seed(t, mirror.IndexedRow{
		DataAccount:         account,
		Authority:           "authority",
		DataType:            uint8(layout.DataTypeJSON),
		Data:                mirror.RenderPayload(layout.DataTypeJSON, layout.SerializationVerified, payload),
		TxID:                "tx-1",
		SerializationStatus: uint8(layout.SerializationVerified),
	})

	recorder := fixture.get(t, "/accounts/"+account+"/raw", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", recorder.Header().Get("Content-Type"))
	}
	if recorder.Body.String() != string(payload) {
		t.Fatalf("expected %s, got %s", payload, recorder.Body.String())
	}
}

func TestGetStateReadsLedger(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	fixture := newRouterFixture(t, false, stubStateReader{state: reader.AccountState{
		Exists:         true,
		MetadataExists: true,
		Metadata: layout.Metadata{
			DataStatus:          layout.DataStatusFinalized,
			SerializationStatus: layout.SerializationVerified,
			Authority:           authority,
			DataVersion:         3,
			DataType:            layout.DataTypeJSON,
		},
		Payload: []byte("{\"a\":1}\x00\x00"),
	}})
	account := solana.NewWallet().PublicKey().String()

	recorder := fixture.get(t, "/accounts/"+account+"/state", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload statePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.DataAccount != account || payload.Authority != authority.String() {
		t.Fatalf("unexpected identities %+v", payload)
	}
	if payload.DataStatus != "finalized" || payload.DataVersion != 3 || payload.Size != 9 {
		t.Fatalf("unexpected state %+v", payload)
	}
	if string(payload.Data) != `{"a":1}` {
		t.Fatalf("unexpected data %s", payload.Data)
	}
}

func TestGetStateReportsLedgerFailure(t *testing.T) {
	fixture := newRouterFixture(t, false, stubStateReader{err: errors.New("node unavailable")})
	recorder := fixture.get(t, "/accounts/"+solana.NewWallet().PublicKey().String()+"/state", nil)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected bad gateway, got %d", recorder.Code)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	fixture := newRouterFixture(t, true, stubStateReader{})

	recorder := fixture.get(t, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `"indexer_phase":"idle"`) {
		t.Fatalf("expected indexer phase in health response, got %s", recorder.Body.String())
	}

	recorder = fixture.get(t, "/metrics", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	fixture := newRouterFixture(t, true, stubStateReader{})
	account := solana.NewWallet().PublicKey().String()
	fixture.seed(t, mirror.IndexedRow{DataAccount: account, Authority: "authority", Data: "{}", TxID: "tx-1"})

	if recorder := fixture.get(t, "/accounts/"+account, nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token, got %d", recorder.Code)
	}
	if recorder := fixture.get(t, "/accounts/"+account, map[string]string{"Authorization": "Basic abc"}); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for non-bearer scheme, got %d", recorder.Code)
	}

	token, _, err := fixture.tokens.IssueToken(context.Background(), "operator")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	recorder := fixture.get(t, "/accounts/"+account, map[string]string{"Authorization": "Bearer " + token})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok with bearer token, got %d", recorder.Code)
	}
	recorder = fixture.get(t, "/accounts/"+account+"?access_token="+token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok with query token, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	store := newTestStore(t)
	tests := []struct {
		name string
		deps Dependencies
		want error
	}{
		{name: "store", deps: Dependencies{Reader: stubStateReader{}, Realtime: NewRealtimeDispatcher()}, want: errMissingStore},
		{name: "reader", deps: Dependencies{Store: store, Realtime: NewRealtimeDispatcher()}, want: errMissingReader},
		{name: "realtime", deps: Dependencies{Store: store, Reader: stubStateReader{}}, want: errMissingRealtime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPHandler(tt.deps); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
