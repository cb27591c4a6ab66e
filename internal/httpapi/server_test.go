package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/studio/internal/observability"
	"github.com/MarkoPoloResearchLab/studio/internal/provider"
	"github.com/MarkoPoloResearchLab/studio/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/studio/internal/studio"
	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

const (
	testAdminToken    = "operator-secret"
	testWebhookSecret = "whsec_test_secret"
)

type stubProvider struct {
	err error
}

func (stub stubProvider) Generate(_ context.Context, request generation.Request) (provider.Output, error) {
	if stub.err != nil {
		return provider.Output{}, stub.err
	}
	return provider.Output{
		Result:           generation.Result{URLs: []string{"https://replicate.delivery/" + request.ID + ".png"}},
		ProcessingTimeMs: 1200,
	}, nil
}

type apiFixture struct {
	server *httptest.Server
	cfg    Config
	orders *order.Service
}

func newAPIFixture(test *testing.T, generationProvider studio.Provider) apiFixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/studio.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(context.Background(), db); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	store := gormstore.New(db)
	recorder := observability.NewRecorder(zap.NewNop())
	accounts, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() }, ledger.WithOperationLogger(recorder))
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	tracker, err := generation.NewTracker(store, accounts)
	if err != nil {
		test.Fatalf("tracker: %v", err)
	}
	conversations, err := conversation.NewService(store, accounts)
	if err != nil {
		test.Fatalf("conversations: %v", err)
	}
	orders, err := order.NewService(store, accounts, order.WithNumberGenerator(sequentialNumbers()))
	if err != nil {
		test.Fatalf("orders: %v", err)
	}
	services := Services{
		Ledger:        accounts,
		Generations:   tracker,
		Conversations: conversations,
		Orders:        orders,
		Recorder:      recorder,
	}
	if generationProvider != nil {
		generator, err := studio.NewGenerator(tracker, generationProvider, studio.WithRunObserver(recorder.ObserveGeneration))
		if err != nil {
			test.Fatalf("generator: %v", err)
		}
		services.Generator = generator
	}

	cfg := Config{
		AllowedOrigins:      []string{"http://localhost:8000"},
		SessionSigningKey:   "secret-key",
		AdminToken:          testAdminToken,
		StripeWebhookSecret: testWebhookSecret,
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		test.Fatalf("validator init failed: %v", err)
	}
	router, err := NewRouter(cfg, services, validator, zap.NewNop())
	if err != nil {
		test.Fatalf("router: %v", err)
	}
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return apiFixture{server: server, cfg: cfg, orders: orders}
}

func sequentialNumbers() order.NumberGenerator {
	counter := 0
	return func(time.Time) string {
		counter++
		return fmt.Sprintf("ORD-TEST-%04d", counter)
	}
}

func buildSessionCookie(test *testing.T, cfg Config, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

type apiCall struct {
	method  string
	path    string
	cookie  *http.Cookie
	payload any
	headers map[string]string
}

func (fixture apiFixture) do(test *testing.T, call apiCall) (int, map[string]any) {
	test.Helper()
	var body io.Reader = http.NoBody
	if call.payload != nil {
		raw, err := json.Marshal(call.payload)
		if err != nil {
			test.Fatalf("marshal failed: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	request, err := http.NewRequest(call.method, fixture.server.URL+call.path, body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	if call.payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if call.cookie != nil {
		request.AddCookie(call.cookie)
	}
	for name, value := range call.headers {
		request.Header.Set(name, value)
	}
	response, err := fixture.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		test.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			test.Fatalf("failed to decode response %s: %v", raw, err)
		}
	}
	return response.StatusCode, decoded
}

func (fixture apiFixture) mustDo(test *testing.T, expectedStatus int, call apiCall) map[string]any {
	test.Helper()
	status, body := fixture.do(test, call)
	if status != expectedStatus {
		test.Fatalf("%s %s: expected status %d, got %d body=%v", call.method, call.path, expectedStatus, status, body)
	}
	return body
}

func errorCode(body map[string]any) string {
	details, _ := body["error"].(map[string]any)
	code, _ := details["code"].(string)
	return code
}

func TestRoutesRequireSession(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	status, _ := fixture.do(test, apiCall{method: http.MethodGet, path: "/api/account"})
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401 without session, got %d", status)
	}
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/healthz"})
}

func TestGenerationLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	cookie := buildSessionCookie(test, fixture.cfg, "artist")

	body := fixture.mustDo(test, http.StatusNotFound, apiCall{method: http.MethodGet, path: "/api/account", cookie: cookie})
	if errorCode(body) != "account_not_found" {
		test.Fatalf("expected account_not_found, got %v", body)
	}
	body = fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/account/bootstrap", cookie: cookie})
	if body["credits"] != float64(100) || body["membershipTier"] != "free" {
		test.Fatalf("unexpected bootstrap account: %v", body)
	}

	created := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
		"category": "image", "prompt": "a fox in snow", "creditsCost": 30, "tags": []string{"Winter"},
	}})
	generationID, _ := created["id"].(string)
	if created["status"] != "pending" || generationID == "" {
		test.Fatalf("unexpected created generation: %v", created)
	}
	account := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/account", cookie: cookie})
	if account["credits"] != float64(70) {
		test.Fatalf("expected 70 credits after debit, got %v", account["credits"])
	}

	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/generations/" + generationID + "/processing", cookie: cookie})
	completed := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/generations/" + generationID + "/complete", cookie: cookie, payload: map[string]any{
		"result": map[string]any{"urls": []string{"https://cdn.example.com/fox.png"}}, "processingTime": 640,
	}})
	if completed["status"] != "completed" || completed["processingTime"] != float64(640) {
		test.Fatalf("unexpected completed generation: %v", completed)
	}
	body = fixture.mustDo(test, http.StatusConflict, apiCall{method: http.MethodPost, path: "/api/generations/" + generationID + "/fail", cookie: cookie})
	if errorCode(body) != "invalid_state_transition" {
		test.Fatalf("expected invalid_state_transition, got %v", body)
	}

	second := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
		"category": "video", "prompt": "waves", "creditsCost": 50,
	}})
	failed := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: fmt.Sprintf("/api/generations/%s/fail", second["id"]), cookie: cookie, payload: map[string]any{"errorMessage": "provider timeout"}})
	if failed["status"] != "failed" || failed["refunded"] != true {
		test.Fatalf("unexpected failed generation: %v", failed)
	}
	account = fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/account", cookie: cookie})
	if account["credits"] != float64(70) {
		test.Fatalf("expected refund back to 70 credits, got %v", account["credits"])
	}

	page := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/generations?tag=winter&status=completed", cookie: cookie})
	pagination, _ := page["pagination"].(map[string]any)
	if pagination["total"] != float64(1) {
		test.Fatalf("expected one tagged completed generation, got %v", page)
	}

	stranger := buildSessionCookie(test, fixture.cfg, "stranger")
	body = fixture.mustDo(test, http.StatusForbidden, apiCall{method: http.MethodGet, path: "/api/generations/" + generationID, cookie: stranger})
	if errorCode(body) != "forbidden" {
		test.Fatalf("expected forbidden, got %v", body)
	}
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/generations/" + generationID + "/visibility", cookie: cookie, payload: map[string]any{"isPublic": true}})
	liked := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/generations/" + generationID + "/like", cookie: stranger})
	if liked["likes"] != float64(1) {
		test.Fatalf("expected one like, got %v", liked["likes"])
	}
	gallery := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/generations?public=true&sort=likes", cookie: stranger})
	if items, _ := gallery["items"].([]any); len(items) != 1 {
		test.Fatalf("expected one public generation, got %v", gallery)
	}
}

func TestGenerationErrorsOverHTTP(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	cookie := buildSessionCookie(test, fixture.cfg, "broke")
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/account/bootstrap", cookie: cookie})

	body := fixture.mustDo(test, http.StatusBadRequest, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
		"category": "image", "prompt": "castle", "creditsCost": 500,
	}})
	details, _ := body["error"].(map[string]any)
	if details["code"] != "insufficient_balance" || details["required"] != float64(500) || details["available"] != float64(100) {
		test.Fatalf("unexpected insufficient balance envelope: %v", body)
	}

	body = fixture.mustDo(test, http.StatusBadRequest, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
		"category": "hologram", "prompt": "castle", "creditsCost": 1,
	}})
	details, _ = body["error"].(map[string]any)
	if details["code"] != "validation_error" || details["field"] != "category" {
		test.Fatalf("unexpected validation envelope: %v", body)
	}

	body = fixture.mustDo(test, http.StatusBadRequest, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
		"category": "image", "prompt": "castle", "creditsCost": 1, "run": true,
	}})
	if errorCode(body) != "validation_error" {
		test.Fatalf("expected run to be rejected without a provider, got %v", body)
	}
	fixture.mustDo(test, http.StatusNotFound, apiCall{method: http.MethodGet, path: "/api/generations/gen_missing", cookie: cookie})
}

func TestGenerationRunThroughProvider(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, stubProvider{})
	cookie := buildSessionCookie(test, fixture.cfg, "runner")
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/account/bootstrap", cookie: cookie})

	created := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
		"category": "image", "prompt": "a kite", "creditsCost": 10, "run": true,
	}})
	if created["status"] != "completed" || created["processingTime"] != float64(1200) {
		test.Fatalf("expected completed run, got %v", created)
	}

	failing := newAPIFixture(test, stubProvider{err: &provider.Error{StatusCode: 500, Message: "model crashed"}})
	cookie = buildSessionCookie(test, failing.cfg, "runner")
	failing.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/account/bootstrap", cookie: cookie})
	body := failing.mustDo(test, http.StatusBadGateway, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
		"category": "image", "prompt": "a kite", "creditsCost": 10, "run": true,
	}})
	details, _ := body["error"].(map[string]any)
	if details["message"] != "generation provider failed" {
		test.Fatalf("provider details must not leak: %v", body)
	}
	refunded, _ := body["generation"].(map[string]any)
	if refunded["status"] != "failed" || refunded["refunded"] != true {
		test.Fatalf("expected refunded generation in body, got %v", body)
	}
	account := failing.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/account", cookie: cookie})
	if account["credits"] != float64(100) {
		test.Fatalf("expected full refund, got %v", account["credits"])
	}
}

func TestConversationFlowOverHTTP(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	cookie := buildSessionCookie(test, fixture.cfg, "chatter")
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/account/bootstrap", cookie: cookie})

	chat := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/conversations", cookie: cookie, payload: map[string]any{}})
	conversationID, _ := chat["id"].(string)
	if chat["title"] != conversation.DefaultTitle || chat["modelName"] != conversation.DefaultModel {
		test.Fatalf("unexpected defaults: %v", chat)
	}
	messagesPath := "/api/conversations/" + conversationID + "/messages"
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: messagesPath, cookie: cookie, payload: map[string]any{"role": "user", "content": "hello"}})
	appended := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: messagesPath, cookie: cookie, payload: map[string]any{
		"role": "assistant", "content": "hi there", "metadata": map[string]any{"tokens": 12, "cost": 5},
	}})
	if appended["messageCount"] != float64(2) || appended["totalCost"] != float64(5) || appended["ledgerWarning"] != nil {
		test.Fatalf("unexpected append response: %v", appended)
	}
	expensive := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: messagesPath, cookie: cookie, payload: map[string]any{
		"role": "assistant", "content": "a very long answer", "metadata": map[string]any{"cost": 1000},
	}})
	if expensive["ledgerWarning"] != "insufficient_balance" || expensive["messageCount"] != float64(3) {
		test.Fatalf("expected stored message with ledger warning, got %v", expensive)
	}

	account := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/account", cookie: cookie})
	usage, _ := account["usage"].(map[string]any)
	if account["credits"] != float64(95) || usage["chatMessages"] != float64(1) {
		test.Fatalf("unexpected account after chat: %v", account)
	}

	transcript := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: messagesPath, cookie: cookie})
	if messages, _ := transcript["messages"].([]any); len(messages) != 3 || transcript["totalTokens"] != float64(12) {
		test.Fatalf("unexpected transcript: %v", transcript)
	}
	other := buildSessionCookie(test, fixture.cfg, "eavesdropper")
	fixture.mustDo(test, http.StatusForbidden, apiCall{method: http.MethodGet, path: messagesPath, cookie: other})

	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/conversations/" + conversationID + "/archive", cookie: cookie})
	listed := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/conversations", cookie: cookie})
	if items, _ := listed["items"].([]any); len(items) != 0 {
		test.Fatalf("archived conversation must be hidden, got %v", listed)
	}
	listed = fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/conversations?includeArchived=true", cookie: cookie})
	if items, _ := listed["items"].([]any); len(items) != 1 {
		test.Fatalf("expected archived conversation when requested, got %v", listed)
	}
}

func TestOrderFlowWithAdminAndStripe(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	cookie := buildSessionCookie(test, fixture.cfg, "buyer")
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/account/bootstrap", cookie: cookie})

	newOrder := map[string]any{
		"type":     "credits",
		"items":    []map[string]any{{"name": "500 credits", "quantity": 2, "unitPrice": "10"}},
		"metadata": map[string]any{"creditsAmount": 500},
	}
	created := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/orders", cookie: cookie, payload: newOrder})
	if created["subtotal"] != "20.00" || created["tax"] != "2.00" || created["total"] != "22.00" || created["status"] != "pending" {
		test.Fatalf("unexpected order totals: %v", created)
	}
	orderID, _ := created["id"].(string)
	number, _ := created["orderNumber"].(string)

	body := fixture.mustDo(test, http.StatusForbidden, apiCall{method: http.MethodPost, path: "/admin/orders/" + orderID + "/pay", payload: map[string]any{"paymentId": "pi_1", "paymentMethod": "stripe"}})
	if errorCode(body) != "forbidden" {
		test.Fatalf("expected admin guard, got %v", body)
	}

	checkoutEvent := func(eventID string, orderNumber string) string {
		return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":%q,"status":"complete","payment_intent":"pi_123","amount_total":2200,"currency":"usd"}}}`, eventID, orderNumber)
	}
	deliver := func(event string) int {
		test.Helper()
		signed := stripeWebhook.GenerateTestSignedPayload(&stripeWebhook.UnsignedPayload{
			Payload:   []byte(event),
			Secret:    testWebhookSecret,
			Timestamp: time.Now(),
		})
		request, err := http.NewRequest(http.MethodPost, fixture.server.URL+"/webhooks/stripe", bytes.NewReader(signed.Payload))
		if err != nil {
			test.Fatalf("request init failed: %v", err)
		}
		request.Header.Set(stripeSignatureHeader, signed.Header)
		response, err := fixture.server.Client().Do(request)
		if err != nil {
			test.Fatalf("webhook failed: %v", err)
		}
		_ = response.Body.Close()
		return response.StatusCode
	}
	for attempt := 0; attempt < 2; attempt++ {
		if status := deliver(checkoutEvent("evt_1", number)); status != http.StatusOK {
			test.Fatalf("webhook attempt %d status %d", attempt, status)
		}
	}
	account := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/account", cookie: cookie})
	if account["credits"] != float64(600) {
		test.Fatalf("expected one delivery of 500 credits, got %v", account["credits"])
	}
	paid := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/orders/" + orderID, cookie: cookie})
	if paid["status"] != "paid" || paid["paymentId"] != "pi_123" {
		test.Fatalf("unexpected paid order: %v", paid)
	}

	other := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/orders", cookie: cookie, payload: newOrder})
	otherNumber, _ := other["orderNumber"].(string)
	if status := deliver(checkoutEvent("evt_2", otherNumber)); status != http.StatusOK {
		test.Fatalf("reused payment event status %d", status)
	}
	unpaid := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: fmt.Sprintf("/api/orders/%s", other["id"]), cookie: cookie})
	if unpaid["status"] != "pending" {
		test.Fatalf("a payment id already used must not settle another order: %v", unpaid)
	}
	account = fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/account", cookie: cookie})
	if account["credits"] != float64(600) {
		test.Fatalf("expected balance unchanged by the reused payment, got %v", account["credits"])
	}

	admin := map[string]string{adminTokenHeader: testAdminToken}
	fixture.mustDo(test, http.StatusForbidden, apiCall{method: http.MethodGet, path: "/admin/orders/revenue"})
	revenue := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/admin/orders/revenue", headers: admin})
	entries, _ := revenue["revenue"].([]any)
	if len(entries) != 1 {
		test.Fatalf("expected revenue in one currency, got %v", revenue)
	}
	entry, _ := entries[0].(map[string]any)
	if entry["currency"] != "USD" || entry["totalRevenue"] != "22.00" || entry["orderCount"] != float64(1) {
		test.Fatalf("unexpected revenue entry: %v", entry)
	}
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	revenue = fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/admin/orders/revenue?from=" + future, headers: admin})
	if entries, _ := revenue["revenue"].([]any); len(entries) != 0 {
		test.Fatalf("expected no revenue after now, got %v", revenue)
	}
	body = fixture.mustDo(test, http.StatusBadRequest, apiCall{method: http.MethodGet, path: "/admin/orders/revenue?from=yesterday", headers: admin})
	if errorCode(body) != "validation_error" {
		test.Fatalf("expected validation error for bad timestamp, got %v", body)
	}

	status, _ := fixture.do(test, apiCall{method: http.MethodPost, path: "/webhooks/stripe", payload: map[string]any{"id": "evt_forged"}, headers: map[string]string{stripeSignatureHeader: "t=1,v1=bad"}})
	if status != http.StatusBadRequest {
		test.Fatalf("expected forged webhook to be rejected, got %d", status)
	}

	body = fixture.mustDo(test, http.StatusConflict, apiCall{method: http.MethodPost, path: "/api/orders/" + orderID + "/cancel", cookie: cookie})
	if errorCode(body) != "invalid_state_transition" {
		test.Fatalf("expected invalid transition, got %v", body)
	}
	refunded := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/admin/orders/" + orderID + "/refund", payload: map[string]any{"refundId": "re_1", "amount": "5.50"}, headers: admin})
	if refunded["status"] != "refunded" || refunded["refundAmount"] != "5.50" {
		test.Fatalf("unexpected refund: %v", refunded)
	}
	noted := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/admin/orders/" + orderID + "/notes", payload: map[string]any{"text": "customer asked"}, headers: admin})
	if noted["notes"] != "customer asked" {
		test.Fatalf("unexpected notes: %v", noted)
	}

	second := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/orders", cookie: cookie, payload: newOrder})
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: fmt.Sprintf("/api/orders/%s/cancel", second["id"]), cookie: cookie})
	listed := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/orders?status=cancelled", cookie: cookie})
	if items, _ := listed["items"].([]any); len(items) != 1 {
		test.Fatalf("expected one cancelled order, got %v", listed)
	}
	fixture.mustDo(test, http.StatusForbidden, apiCall{method: http.MethodGet, path: "/api/orders/" + orderID, cookie: buildSessionCookie(test, fixture.cfg, "someone-else")})
}

func TestGenerationStatsOverHTTP(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	cookie := buildSessionCookie(test, fixture.cfg, "statistician")
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/account/bootstrap", cookie: cookie})

	var firstID string
	for index := 0; index < 2; index++ {
		created := fixture.mustDo(test, http.StatusCreated, apiCall{method: http.MethodPost, path: "/api/generations", cookie: cookie, payload: map[string]any{
			"category": "image", "prompt": "tide pools", "creditsCost": 10,
		}})
		if index == 0 {
			firstID, _ = created["id"].(string)
		}
	}
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/generations/" + firstID + "/processing", cookie: cookie})
	fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodPost, path: "/api/generations/" + firstID + "/complete", cookie: cookie, payload: map[string]any{
		"result": map[string]any{"urls": []string{"https://cdn.example.com/tide.png"}}, "processingTime": 500,
	}})

	body := fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/generations/stats", cookie: cookie})
	stats, _ := body["stats"].([]any)
	if len(stats) != 1 {
		test.Fatalf("expected stats for one category, got %v", body)
	}
	entry, _ := stats[0].(map[string]any)
	if entry["category"] != "image" || entry["count"] != float64(2) || entry["totalCost"] != float64(20) || entry["avgProcessingTime"] != float64(500) {
		test.Fatalf("unexpected stats entry: %v", entry)
	}

	other := buildSessionCookie(test, fixture.cfg, "newcomer")
	body = fixture.mustDo(test, http.StatusOK, apiCall{method: http.MethodGet, path: "/api/generations/stats", cookie: other})
	if stats, _ := body["stats"].([]any); len(stats) != 0 {
		test.Fatalf("expected empty stats for a fresh caller, got %v", body)
	}
}

func TestRateLimitPerAccount(test *testing.T) {
	test.Parallel()
	limiter := newAccountLimiter(1, 2)
	if !limiter.allow("a") || !limiter.allow("a") {
		test.Fatalf("expected burst of two")
	}
	if limiter.allow("a") {
		test.Fatalf("expected third request to be limited")
	}
	if !limiter.allow("b") {
		test.Fatalf("limits must be per account")
	}
	if newAccountLimiter(0, 1).enabled() {
		test.Fatalf("zero rate disables limiting")
	}
}

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "k"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.SessionCookieName != defaultSessionCookie || cfg.RateLimitBurst != defaultRateLimitBurst {
		test.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := (&Config{}).Validate(); err == nil {
		test.Fatalf("expected missing signing key error")
	}
	if origins := ParseAllowedOrigins(" https://a.example , ,https://b.example"); len(origins) != 2 {
		test.Fatalf("unexpected origins: %v", origins)
	}
}
