package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// apiTestServer serves the bot's gin engine over test TLS, with a
// cookie-jar client so login sessions persist across requests.
func apiTestServer(t testing.TB, w *Warden) (*httptest.Server, *http.Client) {
	t.Helper()
	// login attempts are heavily throttled in production
	w.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	w.startedAt = time.Now()

	server := httptest.NewTLSServer(w.api.engine)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := server.Client()
	client.Jar = jar
	return server, client
}

func jsonRequest(
	t testing.TB,
	client *http.Client,
	method string,
	url string,
	payload any,
) (*http.Response, []byte) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	data := new(bytes.Buffer)
	_, err = data.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, data.Bytes()
}

// login authenticates the client using the test admin credentials.
func login(t testing.TB, client *http.Client, serverURL string) {
	t.Helper()
	resp, body := jsonRequest(
		t,
		client,
		http.MethodPost,
		serverURL+apiPathLogin,
		userLogin{
			Username: "user_" + t.Name(),
			Password: "password_" + t.Name(),
		},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestAPIHealthCheck(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)

	resp, body := jsonRequest(t, client, http.MethodGet, server.URL+apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.False(t, health.Paused)
	assert.False(t, health.DiscordGatewayConnected)
	assert.Zero(t, health.RemindersInProgress)
}

func TestAPIRequiresSession(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)

	for _, path := range []string{
		apiPrefix + apiPathLoggedIn,
		apiPrefix + apiPathConfig,
		apiPrefix + apiPathUsers,
		apiPrefix + apiPathMetrics,
	} {
		resp, _ := jsonRequest(t, client, http.MethodGet, server.URL+path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestAPILogin(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)

	// wrong password
	resp, _ := jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiPathLogin,
		userLogin{Username: "user_" + t.Name(), Password: "nope"},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// wrong username
	resp, _ = jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiPathLogin,
		userLogin{Username: "stranger", Password: "password_" + t.Name()},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	login(t, client, server.URL)

	resp, body := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+apiPathLoggedIn, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loggedIn loggedInResponse
	require.NoError(t, json.Unmarshal(body, &loggedIn))
	assert.Equal(t, "user_"+t.Name(), loggedIn.Username)
}

func TestAPILoginRateLimited(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	w.api.loginRequestLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	login(t, client, server.URL)

	resp, _ := jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiPathLogin,
		userLogin{Username: "user_" + t.Name(), Password: "password_" + t.Name()},
	)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAPILogout(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)

	login(t, client, server.URL)
	resp, _ := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+apiPathLoggedIn, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = jsonRequest(t, client, http.MethodPost, server.URL+apiPathLogout, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+apiPathLoggedIn, nil,
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIAdminSetup(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	w.pendingSetup.Store(true)

	// everything behind the auth middleware is refused during setup
	resp, _ := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+apiPathConfig, nil,
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPathSetupStatus, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status setupResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Required)

	// mismatched confirmation is rejected
	resp, _ = jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiAdminSetup,
		adminSetupPayload{
			Username:        "admin",
			Password:        "hunter22",
			ConfirmPassword: "hunter23",
		},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiAdminSetup,
		adminSetupPayload{
			Username:        "admin",
			Password:        "hunter22",
			ConfirmPassword: "hunter22",
		},
	)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = jsonRequest(
		t, client, http.MethodGet, server.URL+apiPathSetupStatus, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.False(t, status.Required)

	// credentials are usable immediately
	resp, _ = jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiPathLogin,
		userLogin{Username: "admin", Password: "hunter22"},
	)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// setup can't run twice
	resp, _ = jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiAdminSetup,
		adminSetupPayload{
			Username:        "intruder",
			Password:        "p",
			ConfirmPassword: "p",
		},
	)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPIPaginationLimit(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)

	resp, _ := jsonRequest(
		t,
		client,
		http.MethodGet,
		server.URL+apiPrefix+apiPathReminders+"?limit=1000",
		nil,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = jsonRequest(
		t,
		client,
		http.MethodGet,
		server.URL+apiPrefix+apiPathUsers+"?limit=10&order=asc",
		nil,
	)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIGetUsers(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)

	createTestUser(t, w, "api_user_a")
	createTestUser(t, w, "api_user_b")

	resp, body := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+apiPathUsers, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var users []User
	require.NoError(t, json.Unmarshal(body, &users))
	require.Len(t, users, 2)
	assert.Equal(t, "api_user_a", users[0].ID)
}

func TestAPIUpdateUser(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)

	u := createTestUser(t, w, "patched_user")

	ignored := true
	limit := 5
	resp, body := jsonRequest(
		t,
		client,
		http.MethodPatch,
		server.URL+apiPrefix+"/user/"+u.ID,
		apiPatchUser{Ignored: &ignored, ReminderLimit: &limit},
	)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var saved User
	require.NoError(t, w.db.First(&saved, "id = ?", u.ID).Error)
	assert.True(t, saved.Ignored)
	assert.Equal(t, 5, saved.ReminderLimit)

	resp, _ = jsonRequest(
		t,
		client,
		http.MethodPatch,
		server.URL+apiPrefix+"/user/no_such_user",
		apiPatchUser{Ignored: &ignored},
	)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIUpdateRuntimeConfig(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)

	// an empty payload is a no-op
	resp, _ := jsonRequest(
		t,
		client,
		http.MethodPatch,
		server.URL+apiPrefix+apiPathConfig,
		map[string]any{},
	)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := jsonRequest(
		t,
		client,
		http.MethodPatch,
		server.URL+apiPrefix+apiPathConfig,
		map[string]any{"paused": true, "ask_command_max_length": 250},
	)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	rc := w.RuntimeConfig()
	assert.True(t, rc.Paused)
	assert.Equal(t, 250, rc.AskCommandMaxLength)
	assert.True(t, w.paused.Load())

	var saved RuntimeConfig
	require.NoError(t, w.db.Last(&saved).Error)
	assert.True(t, saved.Paused)
	assert.Equal(t, 250, saved.AskCommandMaxLength)

	// out-of-range values are rejected before touching the database
	resp, _ = jsonRequest(
		t,
		client,
		http.MethodPatch,
		server.URL+apiPrefix+apiPathConfig,
		map[string]any{"ask_command_max_length": 9000},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIPauseResume(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)

	resp, _ := jsonRequest(
		t, client, http.MethodPost, server.URL+apiPrefix+apiPathPause, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, w.paused.Load())

	resp, _ = jsonRequest(
		t, client, http.MethodPost, server.URL+apiPrefix+apiPathPause, nil,
	)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = jsonRequest(
		t, client, http.MethodPost, server.URL+apiPrefix+apiPathResume, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, w.paused.Load())

	resp, _ = jsonRequest(
		t, client, http.MethodPost, server.URL+apiPrefix+apiPathResume, nil,
	)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPIRegisterCommands(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)

	resp, body := jsonRequest(
		t,
		client,
		http.MethodPost,
		server.URL+apiPrefix+apiPathRegisterCommands,
		nil,
	)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var commands []*discordgo.ApplicationCommand
	require.NoError(t, json.Unmarshal(body, &commands))
	assert.Len(t, commands, 6)
}

func TestAPIGuildSettings(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)
	ctx := context.Background()

	_, err := w.settings.Set(
		ctx, "guild1", "max_open_tickets", "7", "admin", SettingSourceAPI,
	)
	require.NoError(t, err)

	resp, body := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+"/guild/guild1/settings", nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var settings []GuildSetting
	require.NoError(t, json.Unmarshal(body, &settings))
	require.Len(t, settings, len(settingRegistry))

	resp, body = jsonRequest(
		t,
		client,
		http.MethodGet,
		server.URL+apiPrefix+"/guild/guild1/setting_history",
		nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []SettingChange
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "7", history[0].NewValue)
	assert.Equal(t, SettingSourceAPI, history[0].Source)
}

func TestAPIMetrics(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)
	ctx := context.Background()

	u := createTestUser(t, w, "metrics_user")
	reminder, err := w.CreateReminder(
		ctx, u, "guild1", "channel1", "check the metrics", "in 1h",
	)
	require.NoError(t, err)

	_, err = w.writeDB.Create(
		ctx,
		&ReminderDelivery{
			ReminderID: reminder.ID,
			Status:     ReminderDeliveryStatusSent,
		},
	)
	require.NoError(t, err)
	_, err = w.writeDB.Create(
		ctx,
		&ReminderDelivery{
			ReminderID: reminder.ID,
			Status:     ReminderDeliveryStatusMissed,
		},
	)
	require.NoError(t, err)

	_, err = w.OpenTicket(ctx, u, "guild1", "metrics ticket")
	require.NoError(t, err)
	_, _, err = w.UpsertFAQEntry(ctx, u, "guild1", "metrics", "numbers!")
	require.NoError(t, err)
	_, _, err = w.SaveOnboardingResponse(ctx, u, "guild1", "I count things.")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = w.writeDB.Create(
			ctx,
			&AskCommand{
				UserID:           u.ID,
				GuildID:          "guild1",
				Prompt:           fmt.Sprintf("prompt %d", i),
				UsageTotalTokens: 10,
			},
		)
		require.NoError(t, err)
	}

	resp, body := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+apiPathMetrics, nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metrics botMetrics
	require.NoError(t, json.Unmarshal(body, &metrics))
	assert.Equal(t, int64(1), metrics.Users)
	assert.Equal(t, int64(1), metrics.ActiveReminders)
	assert.Equal(t, int64(1), metrics.RemindersSent)
	assert.Equal(t, int64(1), metrics.RemindersMissed)
	assert.Zero(t, metrics.RemindersFailed)
	assert.Equal(t, int64(1), metrics.OpenTickets)
	assert.Equal(t, int64(1), metrics.FAQEntries)
	assert.Equal(t, int64(1), metrics.OnboardingResponses)
	assert.Equal(t, int64(2), metrics.AskCommands)
	assert.Equal(t, int64(20), metrics.AskTokensUsed)
	assert.NotEmpty(t, metrics.Requests)
}

func TestAPIInviteAttribution(t *testing.T) {
	w := newTestWarden(t)
	server, client := apiTestServer(t, w)
	login(t, client, server.URL)
	ctx := context.Background()

	_, err := w.writeDB.Create(
		ctx,
		&InviteRecord{
			GuildID:       "guild1",
			Code:          "abc123",
			InviterID:     "inviter1",
			MembersJoined: 2,
		},
	)
	require.NoError(t, err)

	resp, body := jsonRequest(
		t, client, http.MethodGet, server.URL+apiPrefix+"/guild/guild1/invites", nil,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summaries []InviteAttributionSummary
	require.NoError(t, json.Unmarshal(body, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "abc123", summaries[0].Code)
	assert.Equal(t, 2, summaries[0].MembersJoined)
}
