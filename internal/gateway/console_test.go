package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/internal/queue"
	"github.com/camino-travel/switchboard/pkg/models"
)

// api performs one console request against the running fixture server.
func (f *fixture) api(method, path string, body any, token string) (int, []byte) {
	f.t.Helper()

	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal request: %v", err)
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, "http://"+f.srv.Addr()+path, payload)
	if err != nil {
		f.t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func decodeJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

func registrationBody(id string, dept models.Department) map[string]any {
	return map[string]any{
		"agent_id":       id,
		"name":           "Agente " + id,
		"email":          id + "@camino.test",
		"departments":    []string{string(dept)},
		"max_concurrent": 2,
	}
}

func TestAgentRegistrationEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	code, data := f.api(http.MethodPost, "/api/agents/register", registrationBody("reg-1", models.DeptSales), "")
	if code != http.StatusCreated {
		t.Fatalf("register = %d (%s), want 201", code, data)
	}
	resp := decodeJSON[registerResponse](t, data)
	if resp.Agent == nil || resp.Agent.ID != "reg-1" {
		t.Fatalf("agent = %+v, want id reg-1", resp.Agent)
	}
	if resp.Agent.Status != models.AgentAvailable {
		t.Errorf("fresh agent status = %q, want available", resp.Agent.Status)
	}
	if resp.Token != "" {
		t.Errorf("token issued with no console secret configured")
	}

	t.Run("idempotent re-register", func(t *testing.T) {
		code, _ := f.api(http.MethodPost, "/api/agents/register", registrationBody("reg-1", models.DeptSales), "")
		if code != http.StatusCreated {
			t.Errorf("identical re-register = %d, want 201", code)
		}
	})

	t.Run("diverging profile conflicts", func(t *testing.T) {
		body := registrationBody("reg-1", models.DeptSales)
		body["name"] = "Otro Nombre"
		code, _ := f.api(http.MethodPost, "/api/agents/register", body, "")
		if code != http.StatusConflict {
			t.Errorf("diverging re-register = %d, want 409", code)
		}
	})

	t.Run("validation errors", func(t *testing.T) {
		body := registrationBody("reg-2", models.DeptSales)
		body["departments"] = []string{}
		code, _ := f.api(http.MethodPost, "/api/agents/register", body, "")
		if code != http.StatusBadRequest {
			t.Errorf("register without departments = %d, want 400", code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		code, _ := f.api(http.MethodGet, "/api/agents/register", nil, "")
		if code != http.StatusMethodNotAllowed {
			t.Errorf("GET register = %d, want 405", code)
		}
	})
}

func TestConsoleAuth(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.HTTP.ConsoleBearerSecret = "console-secret"
	})

	if code, _ := f.api(http.MethodGet, "/api/queue/status", nil, ""); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if code, _ := f.api(http.MethodGet, "/api/queue/status", nil, "wrong"); code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", code)
	}
	if code, _ := f.api(http.MethodGet, "/api/queue/status", nil, "console-secret"); code != http.StatusOK {
		t.Errorf("shared secret = %d, want 200", code)
	}

	// Registration hands back a per-agent token that works on its own.
	code, data := f.api(http.MethodPost, "/api/agents/register", registrationBody("tok-1", models.DeptSales), "console-secret")
	if code != http.StatusCreated {
		t.Fatalf("register = %d, want 201", code)
	}
	resp := decodeJSON[registerResponse](t, data)
	if resp.Token == "" {
		t.Fatalf("no agent token issued")
	}
	if code, _ := f.api(http.MethodGet, "/api/queue/status", nil, resp.Token); code != http.StatusOK {
		t.Errorf("agent token = %d, want 200", code)
	}
}

func TestAgentStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent("st-1", models.DeptSales, 2, models.AgentAvailable)

	code, data := f.api(http.MethodPost, "/api/agents/st-1/status", map[string]string{"status": "away"}, "")
	if code != http.StatusOK {
		t.Fatalf("status update = %d (%s), want 200", code, data)
	}
	agent := decodeJSON[models.HumanAgent](t, data)
	if agent.Status != models.AgentAway {
		t.Errorf("status = %q, want away", agent.Status)
	}

	if code, _ := f.api(http.MethodPost, "/api/agents/nadie/status", map[string]string{"status": "away"}, ""); code != http.StatusNotFound {
		t.Errorf("unknown agent = %d, want 404", code)
	}
	if code, _ := f.api(http.MethodPost, "/api/agents/st-1/status", map[string]string{"status": "durmiendo"}, ""); code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", code)
	}
	if code, _ := f.api(http.MethodGet, "/api/agents/st-1/status", nil, ""); code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", code)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent("qs-1", models.DeptCustomerService, 1, models.AgentOffline)
	f.converse("conv-qs", "Tengo una queja, muy mal servicio")

	code, data := f.api(http.MethodGet, "/api/queue/status?department=customer_service", nil, "")
	if code != http.StatusOK {
		t.Fatalf("department status = %d, want 200", code)
	}
	st := decodeJSON[queue.DepartmentStatus](t, data)
	if st.Department != models.DeptCustomerService {
		t.Errorf("department = %q, want customer_service", st.Department)
	}
	if st.Depth != 1 {
		t.Errorf("depth = %d, want 1", st.Depth)
	}
	if st.AgentCount != 1 {
		t.Errorf("agent count = %d, want 1", st.AgentCount)
	}

	code, data = f.api(http.MethodGet, "/api/queue/status", nil, "")
	if code != http.StatusOK {
		t.Fatalf("all departments = %d, want 200", code)
	}
	all := decodeJSON[[]queue.DepartmentStatus](t, data)
	if len(all) != len(models.Departments()) {
		t.Errorf("departments in response = %d, want %d", len(all), len(models.Departments()))
	}

	if code, _ := f.api(http.MethodGet, "/api/queue/status?department=contabilidad", nil, ""); code != http.StatusBadRequest {
		t.Errorf("unknown department = %d, want 400", code)
	}
}

func TestAgentPerformanceEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent("pf-1", models.DeptCustomerService, 3, models.AgentAvailable)
	f.converse("conv-pf", "Tengo una queja, muy mal servicio")
	waitFor(t, 5*time.Second, func() bool {
		_, active := f.queue.ActiveAgentFor("conv-pf")
		return active
	}, "conversation to be assigned")

	code, data := f.api(http.MethodGet, "/api/agents/pf-1/performance", nil, "")
	if code != http.StatusOK {
		t.Fatalf("performance = %d, want 200", code)
	}
	perf := decodeJSON[agentPerformance](t, data)
	if perf.AgentID != "pf-1" {
		t.Errorf("agent_id = %q, want pf-1", perf.AgentID)
	}
	if perf.ActiveLoad != 1 {
		t.Errorf("active_load = %d, want 1", perf.ActiveLoad)
	}
	if perf.TotalConversations != 1 {
		t.Errorf("total_conversations = %d, want 1", perf.TotalConversations)
	}
	if perf.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d, want 3", perf.MaxConcurrent)
	}
	if perf.Connected {
		t.Errorf("connected = true without a websocket")
	}

	if code, _ := f.api(http.MethodGet, "/api/agents/nadie/performance", nil, ""); code != http.StatusNotFound {
		t.Errorf("unknown agent = %d, want 404", code)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.converse("conv-tr", "Hola, buenos días")

	code, data := f.api(http.MethodGet, "/api/conversations/conv-tr", nil, "")
	if code != http.StatusOK {
		t.Fatalf("transcript = %d, want 200", code)
	}
	tr := decodeJSON[transcriptResponse](t, data)
	if tr.Context == nil || tr.Context.ConversationID != "conv-tr" {
		t.Fatalf("context = %+v, want conversation conv-tr", tr.Context)
	}
	if tr.Context.MessageCount != 1 {
		t.Errorf("message_count = %d, want 1", tr.Context.MessageCount)
	}
	if len(tr.Context.History) != 2 {
		t.Errorf("history entries = %d, want 2", len(tr.Context.History))
	}
	if tr.Qualification == nil || tr.Qualification.Stage == "" {
		t.Errorf("qualification missing from transcript: %+v", tr.Qualification)
	}

	if code, _ := f.api(http.MethodGet, "/api/conversations/conv-nunca", nil, ""); code != http.StatusNotFound {
		t.Errorf("unknown conversation = %d, want 404", code)
	}
}

func TestAgentMessageEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent("am-1", models.DeptCustomerService, 2, models.AgentAvailable)
	f.converse("conv-am", "Tengo una queja, muy mal servicio")
	waitFor(t, 5*time.Second, func() bool {
		_, active := f.queue.ActiveAgentFor("conv-am")
		return active
	}, "conversation to be assigned")

	body := map[string]string{"agent_id": "am-1", "text": "Hola, soy Ana y reviso tu caso ahora mismo."}
	code, data := f.api(http.MethodPost, "/api/conversations/conv-am/message", body, "")
	if code != http.StatusOK {
		t.Fatalf("agent message = %d (%s), want 200", code, data)
	}
	receipt := decodeJSON[models.DeliveryReceipt](t, data)
	if receipt.TransportMessageID == "" {
		t.Errorf("receipt missing transport id")
	}

	out := f.awaitReply()
	if !strings.Contains(out.Text, "soy Ana") {
		t.Errorf("customer received %q, want the agent's text", out.Text)
	}

	waitFor(t, 5*time.Second, func() bool {
		ctx := f.snapshotContext("conv-am")
		n := len(ctx.History)
		return n > 0 && ctx.History[n-1].Sender == models.SenderHuman
	}, "human entry in history")
	ctx := f.snapshotContext("conv-am")
	if ctx.CurrentAgentKind != models.AgentKindHuman || ctx.CurrentAgentID != "am-1" {
		t.Errorf("agent attribution = %q/%q, want human/am-1", ctx.CurrentAgentKind, ctx.CurrentAgentID)
	}

	t.Run("missing fields", func(t *testing.T) {
		code, _ := f.api(http.MethodPost, "/api/conversations/conv-am/message", map[string]string{"agent_id": "am-1"}, "")
		if code != http.StatusBadRequest {
			t.Errorf("message without text = %d, want 400", code)
		}
	})

	t.Run("wrong agent", func(t *testing.T) {
		body := map[string]string{"agent_id": "am-2", "text": "Intervengo yo"}
		code, _ := f.api(http.MethodPost, "/api/conversations/conv-am/message", body, "")
		if code != http.StatusForbidden {
			t.Errorf("other agent's message = %d, want 403", code)
		}
	})

	t.Run("no active conversation", func(t *testing.T) {
		body := map[string]string{"agent_id": "am-1", "text": "¿Hola?"}
		code, _ := f.api(http.MethodPost, "/api/conversations/conv-nunca/message", body, "")
		if code != http.StatusNotFound {
			t.Errorf("message on unknown conversation = %d, want 404", code)
		}
	})
}

func TestAgentMessageDeliveryFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent("df-1", models.DeptCustomerService, 2, models.AgentAvailable)
	f.converse("conv-df", "Tengo una queja, muy mal servicio")
	waitFor(t, 5*time.Second, func() bool {
		_, active := f.queue.ActiveAgentFor("conv-df")
		return active
	}, "conversation to be assigned")

	f.conn.failNext(-1, channels.ErrPermanentRejection("recipient opted out", nil))
	body := map[string]string{"agent_id": "df-1", "text": "¿Sigues ahí?"}
	code, _ := f.api(http.MethodPost, "/api/conversations/conv-df/message", body, "")
	if code != http.StatusBadGateway {
		t.Fatalf("failed delivery = %d, want 502", code)
	}

	waitFor(t, 5*time.Second, func() bool {
		return f.snapshotContext("conv-df").Resolved
	}, "session resolved after permanent rejection")
}

func TestCompleteEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.registerAgent("cp-1", models.DeptCustomerService, 2, models.AgentAvailable)
	f.converse("conv-cp", "Tengo una queja, muy mal servicio")
	waitFor(t, 5*time.Second, func() bool {
		_, active := f.queue.ActiveAgentFor("conv-cp")
		return active
	}, "conversation to be assigned")

	body := map[string]any{"agent_id": "cp-1", "success": true, "notes": "resuelto con descuento"}
	code, data := f.api(http.MethodPost, "/api/conversations/conv-cp/complete", body, "")
	if code != http.StatusOK {
		t.Fatalf("complete = %d (%s), want 200", code, data)
	}
	resp := decodeJSON[map[string]string](t, data)
	if resp["status"] != "completed" {
		t.Errorf("response = %v, want status completed", resp)
	}

	ctx := f.snapshotContext("conv-cp")
	if !ctx.Resolved {
		t.Errorf("session not resolved after completion")
	}
	if ctx.CurrentAgentKind != models.AgentKindNone {
		t.Errorf("agent kind = %q, want none", ctx.CurrentAgentKind)
	}

	agent, err := f.queue.Agent("cp-1")
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if agent.SuccessfulClosures != 1 {
		t.Errorf("successful closures = %d, want 1", agent.SuccessfulClosures)
	}
	if len(f.queue.ActiveForAgent("cp-1")) != 0 {
		t.Errorf("conversation still active after completion")
	}

	if code, _ := f.api(http.MethodPost, "/api/conversations/conv-cp/complete", body, ""); code != http.StatusNotFound {
		t.Errorf("double complete = %d, want 404", code)
	}
}

func TestConsoleUnknownRoutes(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{
		"/api/agents/",
		"/api/agents/x-1/unknown",
		"/api/conversations/conv-x/unknown",
	} {
		if code, _ := f.api(http.MethodGet, path, nil, ""); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
}
