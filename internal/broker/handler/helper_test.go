package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"auction-tracker/backend/internal/auction/repository"
	"auction-tracker/backend/internal/bid/bidtest"
	"auction-tracker/backend/internal/bid/validation"
	"auction-tracker/backend/internal/broker/service"
	eventdomain "auction-tracker/backend/internal/event/domain"
	"auction-tracker/backend/internal/security"
	"auction-tracker/backend/internal/session"
)

type testEnv struct {
	ca      *bidtest.CA
	fetcher *bidtest.Fetcher
	broker  *service.Broker
	srv     *httptest.Server
}

type envConfig struct {
	handlerOpts []Option
	adminHash   string
}

func newEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	ca, err := bidtest.NewCA()
	require.NoError(t, err)
	verifier := security.NewSessionVerifier(security.StaticKeySource{Key: &ca.Key.PublicKey}, "", "")
	leaders, resolutions, err := repository.OpenFileStores(t.TempDir())
	require.NoError(t, err)
	fetcher := bidtest.NewFetcher()
	b := service.NewBroker(session.NewRegistry(verifier), verifier, validation.NewPipeline(fetcher), leaders, resolutions)

	r := chi.NewRouter()
	NewHandler(b, cfg.handlerOpts...).RegisterRoutes(r)
	NewAdminHandler(b, cfg.adminHash).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return &testEnv{ca: ca, fetcher: fetcher, broker: b, srv: srv}
}

// identity issues a certificate and a session token for name.
func (e *testEnv) identity(t *testing.T, name string) (*bidtest.Identity, string) {
	t.Helper()
	id, err := e.ca.Issue(name)
	require.NoError(t, err)
	e.fetcher.Add(id)
	token, err := e.ca.SessionToken(name, time.Hour)
	require.NoError(t, err)
	return id, token
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (int, any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var v any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return resp.StatusCode, v
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

// wirePush is a push frame as a peer decodes it.
type wirePush struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (p wirePush) status(t *testing.T) eventdomain.Status {
	t.Helper()
	require.Equal(t, eventdomain.PushStatus, p.Event)
	var st eventdomain.Status
	require.NoError(t, json.Unmarshal(p.Data, &st))
	return st
}

func (p wirePush) event(t *testing.T) eventdomain.Event {
	t.Helper()
	require.Equal(t, eventdomain.PushNewEvent, p.Event)
	var ev eventdomain.Event
	require.NoError(t, json.Unmarshal(p.Data, &ev))
	return ev
}

type wsPeer struct {
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &wsPeer{ws: ws}
}

// join dials /ws and authenticates as name, consuming the acknowledgement.
func (e *testEnv) join(t *testing.T, name string, port int) (*bidtest.Identity, string, *wsPeer) {
	t.Helper()
	id, token := e.identity(t, name)
	p := e.dial(t)
	p.authenticate(t, token, port)
	st := p.next(t).status(t)
	require.Equal(t, "authenticated", st.Status)
	require.Equal(t, name, st.Identity)
	return id, token, p
}

func (p *wsPeer) send(t *testing.T, event string, data any) {
	t.Helper()
	require.NoError(t, p.ws.WriteJSON(map[string]any{"event": event, "data": data}))
}

func (p *wsPeer) authenticate(t *testing.T, token string, port int) {
	t.Helper()
	p.send(t, eventdomain.FrameAuthenticate, map[string]any{"token": token, "port": port})
}

func (p *wsPeer) next(t *testing.T) wirePush {
	t.Helper()
	require.NoError(t, p.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var push wirePush
	require.NoError(t, p.ws.ReadJSON(&push))
	return push
}

// closed reports whether the server ends the connection within a few seconds.
func (p *wsPeer) closed(t *testing.T) bool {
	t.Helper()
	_ = p.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := p.ws.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false
			}
			return true
		}
	}
}

func bidData(t *testing.T, id *bidtest.Identity, auctionID any, amount any) (map[string]any, *bidtest.Pseudonym) {
	t.Helper()
	data, p, err := id.ValidBid(auctionID, amount, "0xabc")
	require.NoError(t, err)
	return data, p
}
