package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/mcp"
	"github.com/ashita-ai/mure/internal/model"
	"github.com/ashita-ai/mure/internal/oracle"
	"github.com/ashita-ai/mure/internal/ratelimit"
	"github.com/ashita-ai/mure/internal/server"
	"github.com/ashita-ai/mure/internal/service/cycle"
	"github.com/ashita-ai/mure/internal/service/ledger"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
	"github.com/ashita-ai/mure/internal/service/requests"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/internal/testutil"
)

var (
	testSrv       *httptest.Server
	testDB        *storage.DB
	testBus       *events.Bus
	testSettings  *settings.Manager
	testLedger    *ledger.Service
	testLifecycle *lifecycle.Service
	testRequests  *requests.Service
	testCycle     *cycle.Service
	testLogger    = testutil.TestLogger()
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	var err error
	testDB, err = tc.NewTestDB(ctx, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server tests: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	testBus = events.NewBus(testLogger)
	testSettings = settings.NewManager(testDB, testLogger)
	if err := testSettings.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server tests: load settings: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	testLedger = ledger.New(testDB, testLogger)
	testLifecycle = lifecycle.New(testDB, testSettings, testBus, testLogger)
	processor := requests.NewProcessor(testDB, testLedger, testLifecycle, testLogger)
	testRequests = requests.New(testDB, testSettings, testBus, processor, testLogger)

	// Every triggered cycle replays the same quiet zero-token turn, so
	// cycles complete without burning any agent's compute.
	provider := oracle.NewScripted(oracle.Text(`{"thought": "quiet cycle", "requests": []}`))
	provider.Loop = true
	adapter := oracle.NewAdapter(provider, testDB, oracle.AdapterConfig{
		InputCostPerM:  3,
		OutputCostPerM: 15,
	}, testLogger)

	testCycle = cycle.New(cycle.Deps{
		DB:        testDB,
		Oracle:    adapter,
		Ledger:    testLedger,
		Lifecycle: testLifecycle,
		Requests:  testRequests,
		Settings:  testSettings,
		Bus:       testBus,
	}, testLogger)

	mcpSrv := mcp.New(mcp.Deps{
		DB:       testDB,
		Requests: testRequests,
		Ledger:   testLedger,
		Cycle:    testCycle,
		Logger:   testLogger,
	}, "test")

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Ledger:              testLedger,
		Lifecycle:           testLifecycle,
		Requests:            testRequests,
		Settings:            testSettings,
		Cycle:               testCycle,
		Bus:                 testBus,
		Logger:              testLogger,
		MCPServer:           mcpSrv.MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		CycleInterval:       time.Minute,
	})

	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// doJSON issues one request against the shared test server, marshalling
// body as JSON when present.
func doJSON(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// decodeData unwraps the {data} envelope into target and closes the body.
func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope), "body: %s", raw)
	require.NoError(t, json.Unmarshal(envelope.Data, target), "body: %s", raw)
}

// decodeBody unmarshals the whole response body into target, for list
// envelopes and anything else that is not a plain {data} wrapper.
func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, target), "body: %s", raw)
}

// errCode reads the error envelope and returns its code.
func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope model.APIError
	decodeBody(t, resp, &envelope)
	return envelope.Error.Code
}

// seedViaAPI creates an alive agent through the HTTP surface. Names must
// be unique per test: the database is shared across the whole package run.
func seedViaAPI(t *testing.T, name string) model.Agent {
	t.Helper()
	resp := doJSON(t, http.MethodPost, "/v1/agents", model.SeedAgentRequest{
		Name:            name,
		Persona:         "test subject",
		ComputeBudget:   10,
		AssetBalance:    100,
		LifespanSeconds: 3600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var agent model.Agent
	decodeData(t, resp, &agent)
	return agent
}

// createPendingRequest files a human_required request, which the policy
// never auto-approves.
func createPendingRequest(t *testing.T, agentID uuid.UUID, title string) model.Request {
	t.Helper()
	resp := doJSON(t, http.MethodPost, "/v1/requests", model.CreateRequestBody{
		AgentID: agentID,
		Type:    "human_required",
		Title:   title,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Request
	decodeData(t, resp, &created)
	require.Equal(t, model.RequestPending, created.Status)
	return created
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func TestHealthz(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestReadyz(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "ready", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	// No searcher wired, so the index is not reported at all.
	assert.Empty(t, health.Qdrant)
}

func TestVersionEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/version")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var version map[string]string
	decodeData(t, resp, &version)
	assert.Equal(t, "test", version["version"])
}

func TestSeedAgent(t *testing.T) {
	agent := seedViaAPI(t, "first hatchling")

	assert.Equal(t, "first hatchling", agent.Name)
	assert.Equal(t, model.AgentAlive, agent.Status)
	assert.Equal(t, 0, agent.Generation)
	assert.Nil(t, agent.ParentID)
	assert.Equal(t, 10.0, agent.ComputeBudget)
	assert.Equal(t, 100.0, agent.AssetBalance)
	assert.WithinDuration(t, time.Now().Add(time.Hour), agent.DiesAt, 30*time.Second)
}

func TestSeedAgentValidation(t *testing.T) {
	// Missing name.
	resp := doJSON(t, http.MethodPost, "/v1/agents", model.SeedAgentRequest{
		Persona:       "test subject",
		ComputeBudget: 10,
		AssetBalance:  100,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	// Non-positive opening budget.
	resp = doJSON(t, http.MethodPost, "/v1/agents", model.SeedAgentRequest{
		Name:          "broke hatchling",
		Persona:       "test subject",
		ComputeBudget: 0,
		AssetBalance:  100,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	// Malformed JSON.
	resp2, err := http.Post(testSrv.URL+"/v1/agents", "application/json",
		strings.NewReader(`{"name": `))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp2))

	// Unknown fields are rejected, not ignored.
	resp3, err := http.Post(testSrv.URL+"/v1/agents", "application/json",
		strings.NewReader(`{"nombre": "typo"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp3))
}

func TestGetAgent(t *testing.T) {
	agent := seedViaAPI(t, "fetchable")

	resp := doJSON(t, http.MethodGet, "/v1/agents/"+agent.ID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Agent
	decodeData(t, resp, &got)
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, "fetchable", got.Name)

	resp = doJSON(t, http.MethodGet, "/v1/agents/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	resp = doJSON(t, http.MethodGet, "/v1/agents/00000000-0000-0000-0000-000000000042", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errCode(t, resp))
}

func TestListAgents(t *testing.T) {
	agent := seedViaAPI(t, "listed one")

	resp := doJSON(t, http.MethodGet, "/v1/agents?status=alive", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []model.Agent `json:"data"`
	}
	decodeBody(t, resp, &list)
	found := false
	for _, a := range list.Data {
		assert.Equal(t, model.AgentAlive, a.Status)
		if a.ID == agent.ID {
			found = true
		}
	}
	assert.True(t, found, "expected the seeded agent in the alive listing")

	resp = doJSON(t, http.MethodGet, "/v1/agents?status=undead", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))
}

func TestCreditAndLedgerHistory(t *testing.T) {
	agent := seedViaAPI(t, "coin counter")

	resp := doJSON(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/credit",
		model.CreditRequest{
			Budget:      model.BudgetAsset,
			Amount:      2.5,
			Description: "found a coin",
		})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var tx model.LedgerTransaction
	decodeData(t, resp, &tx)
	assert.Equal(t, model.TxIncome, tx.Kind, "kind defaults to income")
	assert.Equal(t, 102.5, tx.BalanceAfter)

	// Seeding writes the two opening grants; the credit makes three.
	resp = doJSON(t, http.MethodGet, "/v1/agents/"+agent.ID.String()+"/ledger", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Data []model.LedgerTransaction `json:"data"`
	}
	decodeBody(t, resp, &history)
	assert.Len(t, history.Data, 3)
	assert.Equal(t, "found a coin", history.Data[0].Description, "newest first")

	resp = doJSON(t, http.MethodGet, "/v1/agents/"+agent.ID.String()+"/ledger?budget=compute", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var computeOnly struct {
		Data []model.LedgerTransaction `json:"data"`
	}
	decodeBody(t, resp, &computeOnly)
	require.Len(t, computeOnly.Data, 1)
	assert.Equal(t, model.BudgetCompute, computeOnly.Data[0].Budget)
	assert.Equal(t, model.TxBirthGrant, computeOnly.Data[0].Kind)
	assert.Equal(t, 10.0, computeOnly.Data[0].Amount)

	resp = doJSON(t, http.MethodGet, "/v1/agents/"+agent.ID.String()+"/ledger?budget=gold", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	resp = doJSON(t, http.MethodPost, "/v1/agents/00000000-0000-0000-0000-000000000042/credit",
		model.CreditRequest{Budget: model.BudgetAsset, Amount: 1, Description: "ghost payment"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errCode(t, resp))
}

func TestAgentLogs(t *testing.T) {
	agent := seedViaAPI(t, "diarist")
	base := "/v1/agents/" + agent.ID.String() + "/logs"

	// Level defaults to event.
	resp := doJSON(t, http.MethodPost, base, model.AppendLogRequest{
		Message: "a human wrote back",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var entry model.LogEntry
	decodeData(t, resp, &entry)
	assert.Equal(t, model.LogEvent, entry.Level)

	resp = doJSON(t, http.MethodPost, base, model.AppendLogRequest{
		Level:   model.LogThought,
		Message: "wondering about the weather",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodGet, base+"?level=thought", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var thoughts struct {
		Data []model.LogEntry `json:"data"`
	}
	decodeBody(t, resp, &thoughts)
	require.Len(t, thoughts.Data, 1)
	assert.Equal(t, "wondering about the weather", thoughts.Data[0].Message)

	resp = doJSON(t, http.MethodGet, base+"?level=shouting", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	resp = doJSON(t, http.MethodPost, base, model.AppendLogRequest{Message: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	resp = doJSON(t, http.MethodPost, "/v1/agents/00000000-0000-0000-0000-000000000042/logs",
		model.AppendLogRequest{Message: "nobody home"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errCode(t, resp))
}

func TestRequestLifecycle(t *testing.T) {
	agent := seedViaAPI(t, "petitioner")

	// human_required never auto-approves, so the request stays pending.
	resp := doJSON(t, http.MethodPost, "/v1/requests", model.CreateRequestBody{
		AgentID: agent.ID,
		Type:    "human_required",
		Title:   "may I have a clock",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Request
	decodeData(t, resp, &created)
	assert.Equal(t, model.RequestPending, created.Status)
	assert.Equal(t, model.PriorityMedium, created.Priority, "priority defaults to medium")

	resp = doJSON(t, http.MethodGet, "/v1/requests/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched model.Request
	decodeData(t, resp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)

	resp = doJSON(t, http.MethodGet, "/v1/requests?status=pending&agent_id="+agent.ID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var pending struct {
		Data []model.Request `json:"data"`
	}
	decodeBody(t, resp, &pending)
	require.Len(t, pending.Data, 1)
	assert.Equal(t, created.ID, pending.Data[0].ID)

	resp = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/resolve",
		model.ResolveRequestBody{
			Decision:   model.DecisionDeny,
			ResolvedBy: "tester",
			Reason:     "clocks are a distraction",
		})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var denied model.Request
	decodeData(t, resp, &denied)
	assert.Equal(t, model.RequestDenied, denied.Status)
	require.NotNil(t, denied.ResolvedBy)
	assert.Equal(t, "tester", *denied.ResolvedBy)
	require.NotNil(t, denied.Reason)
	assert.Equal(t, "clocks are a distraction", *denied.Reason)
	assert.NotNil(t, denied.ResolvedAt)

	// Resolution is terminal: a second decision conflicts.
	resp = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/resolve",
		model.ResolveRequestBody{Decision: model.DecisionApprove, ResolvedBy: "tester"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errCode(t, resp))
}

func TestRequestValidation(t *testing.T) {
	agent := seedViaAPI(t, "sloppy petitioner")

	// Missing agent_id.
	resp := doJSON(t, http.MethodPost, "/v1/requests", model.CreateRequestBody{
		Type:  "custom",
		Title: "from nobody",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	// Missing title.
	resp = doJSON(t, http.MethodPost, "/v1/requests", model.CreateRequestBody{
		AgentID: agent.ID,
		Type:    "custom",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	// Unknown agent.
	resp = doJSON(t, http.MethodPost, "/v1/requests", model.CreateRequestBody{
		AgentID: mustUUID(t, "00000000-0000-0000-0000-000000000042"),
		Type:    "custom",
		Title:   "from a ghost",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errCode(t, resp))

	// Unknown decision value.
	req := createPendingRequest(t, agent.ID, "undecidable")
	resp = doJSON(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/resolve",
		model.ResolveRequestBody{Decision: "maybe", ResolvedBy: "tester"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	// Missing resolver identity.
	resp = doJSON(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/resolve",
		model.ResolveRequestBody{Decision: model.DecisionApprove})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	// Invalid status filter.
	resp = doJSON(t, http.MethodGet, "/v1/requests?status=limbo", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))
}

func TestBulkResolve(t *testing.T) {
	agent := seedViaAPI(t, "bulk petitioner")
	first := createPendingRequest(t, agent.ID, "first of many")
	second := createPendingRequest(t, agent.ID, "second of many")
	bogus := mustUUID(t, "00000000-0000-0000-0000-000000000042")

	resp := doJSON(t, http.MethodPost, "/v1/requests/resolve-bulk", model.BulkResolveBody{
		IDs:        []uuid.UUID{first.ID, second.ID, bogus},
		Decision:   model.DecisionDeny,
		ResolvedBy: "tester",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var results []requests.BulkResult
	decodeData(t, resp, &results)
	require.Len(t, results, 3)
	require.NotNil(t, results[0].Request)
	assert.Equal(t, model.RequestDenied, results[0].Request.Status)
	require.NotNil(t, results[1].Request)
	assert.Equal(t, model.RequestDenied, results[1].Request.Status)
	assert.NotEmpty(t, results[2].Error, "unknown id fails without stopping the rest")

	// Empty id list.
	resp = doJSON(t, http.MethodPost, "/v1/requests/resolve-bulk", model.BulkResolveBody{
		Decision:   model.DecisionDeny,
		ResolvedBy: "tester",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	// Missing resolver identity.
	resp = doJSON(t, http.MethodPost, "/v1/requests/resolve-bulk", model.BulkResolveBody{
		IDs:      []uuid.UUID{first.ID},
		Decision: model.DecisionDeny,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))
}

func TestReplicationThroughApproval(t *testing.T) {
	parent := seedViaAPI(t, "prolific parent")

	resp := doJSON(t, http.MethodPost, "/v1/requests", model.CreateRequestBody{
		AgentID: parent.ID,
		Type:    "replicate",
		Title:   "spawn an heir",
		Payload: map[string]any{
			"child_name":           "api heir",
			"child_compute_budget": 2.0,
			"child_asset_grant":    20.0,
		},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Request
	decodeData(t, resp, &created)
	require.Equal(t, model.RequestPending, created.Status,
		"auto-approve is off by default, replication must wait for a decision")

	// Approval runs the processor synchronously: the child exists when
	// the resolve response comes back.
	resp = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/resolve",
		model.ResolveRequestBody{Decision: model.DecisionApprove, ResolvedBy: "tester"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var approved model.Request
	decodeData(t, resp, &approved)
	assert.Equal(t, model.RequestApproved, approved.Status)

	resp = doJSON(t, http.MethodGet, "/v1/agents/"+parent.ID.String()+"/family", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var family lifecycle.Family
	decodeData(t, resp, &family)
	require.Len(t, family.Children, 1)
	child := family.Children[0]
	assert.Equal(t, "api heir", child.Name)
	assert.Equal(t, 1, child.Generation)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)
	assert.Equal(t, 2.0, child.ComputeBudget)
	assert.Equal(t, 20.0, child.AssetBalance)

	// The endowment came out of the parent's budgets.
	resp = doJSON(t, http.MethodGet, "/v1/agents/"+parent.ID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var drained model.Agent
	decodeData(t, resp, &drained)
	assert.Equal(t, 8.0, drained.ComputeBudget)
	assert.Equal(t, 80.0, drained.AssetBalance)

	resp = doJSON(t, http.MethodGet, "/v1/agents/"+child.ID.String()+"/family", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var childFamily lifecycle.Family
	decodeData(t, resp, &childFamily)
	require.NotNil(t, childFamily.Parent)
	assert.Equal(t, parent.ID, childFamily.Parent.ID)
}

func TestLedgerVerify(t *testing.T) {
	agent := seedViaAPI(t, "auditable")

	resp := doJSON(t, http.MethodGet, "/v1/ledger/verify?agent_id="+agent.ID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report model.LedgerVerifyResponse
	decodeData(t, resp, &report)
	assert.Equal(t, agent.ID, report.AgentID)
	assert.Equal(t, 2, report.Transactions)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Problems)

	resp = doJSON(t, http.MethodGet, "/v1/ledger/verify", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var summary ledger.VerifySummary
	decodeData(t, resp, &summary)
	assert.GreaterOrEqual(t, summary.Agents, 1)
	assert.Empty(t, summary.Problems)

	resp = doJSON(t, http.MethodGet, "/v1/ledger/verify?agent_id=not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	resp = doJSON(t, http.MethodGet, "/v1/ledger/verify?agent_id=00000000-0000-0000-0000-000000000042", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errCode(t, resp))
}

func TestSearchThoughtsEndpoint(t *testing.T) {
	agent := seedViaAPI(t, "daydreamer")

	resp := doJSON(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/logs",
		model.AppendLogRequest{
			Level:   model.LogThought,
			Message: "considering a warehouse full of umbrellas",
		})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	// No embedder is wired, so this exercises the text fallback.
	resp = doJSON(t, http.MethodGet,
		"/v1/search/thoughts?q=warehouse+full+of+umbrellas&agent_id="+agent.ID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var matches []model.ThoughtMatch
	decodeData(t, resp, &matches)
	require.Len(t, matches, 1)
	assert.Equal(t, agent.ID, matches[0].Entry.AgentID)
	assert.Contains(t, matches[0].Entry.Message, "umbrellas")

	resp = doJSON(t, http.MethodGet, "/v1/search/thoughts", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	resp = doJSON(t, http.MethodGet, "/v1/search/thoughts?q=x&agent_id=not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))
}

func TestSettingsRoundTrip(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/settings", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var current model.SettingsPayload
	decodeData(t, resp, &current)
	assert.False(t, current.AutoApprove)
	assert.Equal(t, int64(7*24*3600), current.GracePeriodSeconds)
	assert.Equal(t, 3, current.MaxRequestsPerCycle)

	// Keep auto_approve off: later tests depend on requests staying
	// pending until explicitly resolved.
	updated := current
	updated.GracePeriodSeconds = 24 * 3600
	updated.MaxRequestsPerCycle = 5
	resp = doJSON(t, http.MethodPut, "/v1/settings", updated)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var saved model.SettingsPayload
	decodeData(t, resp, &saved)
	assert.False(t, saved.AutoApprove)
	assert.Equal(t, int64(24*3600), saved.GracePeriodSeconds)
	assert.Equal(t, 5, saved.MaxRequestsPerCycle)

	// The in-memory policy follows the save.
	assert.Equal(t, 5, testSettings.Current().MaxRequestsPerCycle)

	// A grace period under a minute survives normalization but fails
	// validation.
	bad := saved
	bad.GracePeriodSeconds = 10
	resp = doJSON(t, http.MethodPut, "/v1/settings", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))

	bad = saved
	bad.MaxRequestsPerCycle = 50
	resp = doJSON(t, http.MethodPut, "/v1/settings", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errCode(t, resp))
}

func TestTriggerCycleAndStatus(t *testing.T) {
	resp := doJSON(t, http.MethodPost, "/v1/cycle/trigger", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var triggered map[string]string
	decodeData(t, resp, &triggered)
	assert.Equal(t, "triggered", triggered["status"])

	require.Eventually(t, func() bool {
		resp := doJSON(t, http.MethodGet, "/v1/cycle/status", nil)
		var status model.CycleStatusResponse
		decodeData(t, resp, &status)
		return status.State == "idle" && status.LastReport != nil
	}, 10*time.Second, 50*time.Millisecond, "cycle never finished")

	resp = doJSON(t, http.MethodGet, "/v1/cycle/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status model.CycleStatusResponse
	decodeData(t, resp, &status)
	require.NotNil(t, status.LastReport)
	assert.GreaterOrEqual(t, status.LastReport.AgentsProcessed, 1)
	assert.True(t, status.LastReport.TriggeredManually)
	assert.NotNil(t, status.NextRunAt, "idle with a report and a loop interval projects the next run")
}

func TestEventStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testSrv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered before the headers go out, so a
	// birth after this point is guaranteed to reach the stream.
	agent := seedViaAPI(t, "stream watcher")

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if eventType != string(model.EventAgentBorn) {
				continue
			}
			var ev model.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			if ev.AgentID != nil && *ev.AgentID == agent.ID {
				assert.Equal(t, agent.Name, ev.AgentName)
				return
			}
		}
	}
	t.Fatalf("stream ended without an agent-born event for %s", agent.ID)
}

func TestMutationRateLimit(t *testing.T) {
	agent := seedViaAPI(t, "rate limited")

	// A second server over the same services, with a two-token mutation
	// budget that effectively never refills.
	limited := server.New(server.ServerConfig{
		DB:                  testDB,
		Ledger:              testLedger,
		Lifecycle:           testLifecycle,
		Requests:            testRequests,
		Settings:            testSettings,
		Cycle:               testCycle,
		Bus:                 testBus,
		Logger:              testLogger,
		Limiters:            server.Limiters{Mutate: ratelimit.NewMemoryLimiter(0.001, 2)},
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})
	defer func() { _ = limited.Shutdown(context.Background()) }()
	limitedSrv := httptest.NewServer(limited.Handler())
	defer limitedSrv.Close()

	post := func() *http.Response {
		body, err := json.Marshal(model.AppendLogRequest{Message: "burning the budget"})
		require.NoError(t, err)
		resp, err := http.Post(limitedSrv.URL+"/v1/agents/"+agent.ID.String()+"/logs",
			"application/json", bytes.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	for i := 0; i < 2; i++ {
		resp := post()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := post()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, errCode(t, resp))

	// Read endpoints are not behind the mutation limiter.
	getResp, err := http.Get(limitedSrv.URL + "/v1/agents/" + agent.ID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	_ = getResp.Body.Close()
}

// newMCPClient connects an MCP client to the test server's /mcp endpoint
// and completes the initialize handshake.
func newMCPClient(t *testing.T) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPInitialize(t *testing.T) {
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	initResult, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "mure", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 5)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	for _, name := range []string{
		"mure_colony_status",
		"mure_inspect_agent",
		"mure_resolve_request",
		"mure_trigger_cycle",
		"mure_search_thoughts",
	} {
		assert.True(t, toolNames[name], "expected %s tool", name)
	}
}

func TestMCPColonyStatusTool(t *testing.T) {
	seedViaAPI(t, "mcp observed")
	c := newMCPClient(t)

	result, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: "mure_colony_status"},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "colony status returned error: %v", result.Content)

	var status struct {
		Agents map[string]int `json:"agents"`
		Cycle  struct {
			State string `json:"state"`
		} `json:"cycle"`
	}
	for _, content := range result.Content {
		if tc, ok := content.(mcplib.TextContent); ok {
			require.NoError(t, json.Unmarshal([]byte(tc.Text), &status))
			break
		}
	}
	assert.GreaterOrEqual(t, status.Agents["alive"], 1)
	assert.Equal(t, "idle", status.Cycle.State)
}

func TestMCPReadResource(t *testing.T) {
	c := newMCPClient(t)

	result, err := c.ReadResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "mure://colony/status"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Contents)

	text, ok := result.Contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", text.MIMEType)
	assert.Contains(t, text.Text, "agents")
}

func TestMCPPrompts(t *testing.T) {
	c := newMCPClient(t)

	promptsResult, err := c.ListPrompts(context.Background(), mcplib.ListPromptsRequest{})
	require.NoError(t, err)
	assert.Len(t, promptsResult.Prompts, 3)

	promptNames := make(map[string]bool)
	for _, p := range promptsResult.Prompts {
		promptNames[p.Name] = true
	}
	assert.True(t, promptNames["review-request"], "expected review-request prompt")
	assert.True(t, promptNames["triage-queue"], "expected triage-queue prompt")
	assert.True(t, promptNames["operator-setup"], "expected operator-setup prompt")

	setupResult, err := c.GetPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "operator-setup"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, setupResult.Messages)
	for _, msg := range setupResult.Messages {
		if tc, ok := msg.Content.(mcplib.TextContent); ok {
			assert.Contains(t, tc.Text, "Inspect Before You Resolve")
			break
		}
	}
}
