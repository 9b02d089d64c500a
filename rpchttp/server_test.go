package rpchttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/auth/authtest"
	"github.com/ggoodman/taskrpc/interceptor"
	"github.com/ggoodman/taskrpc/rpchttp"
	"github.com/ggoodman/taskrpc/sessions"
	"github.com/ggoodman/taskrpc/status"
)

const (
	echoMethod   = "/test.Echo/Say"
	openMethod   = "/test.Echo/Open"
	failMethod   = "/test.Echo/Fail"
	streamMethod = "/test.Echo/Count"
	bidiMethod   = "/test.Echo/Talk"
)

type sayReq struct {
	Text string `json:"text"`
}

type sayResp struct {
	Text string `json:"text"`
	User string `json:"user"`
}

type countReq struct {
	N       int  `json:"n"`
	FailAt  int  `json:"fail_at,omitempty"`
	Forever bool `json:"forever,omitempty"`
	Panic   bool `json:"panic,omitempty"`
}

type failReq struct {
	Mode string `json:"mode"`
}

func newServer(t *testing.T, opts ...rpchttp.Option) (*rpchttp.Server, *httptest.Server) {
	t.Helper()
	tokens := authtest.NewTokens()
	tokens.Add("good", "u-1", "alice")
	chain := interceptor.NewChain([]interceptor.Stage{
		interceptor.NewAuthStage(auth.NewVerifier(tokens), interceptor.WithSkipList(openMethod)),
	})
	reg := sessions.NewRegistry()
	opts = append([]rpchttp.Option{rpchttp.WithPingPeriod(time.Second)}, opts...)
	srv := rpchttp.NewServer(chain, reg, opts...)

	say := func(ctx context.Context, req *sayReq) (*sayResp, error) {
		id, _ := interceptor.IdentityFromContext(ctx)
		return &sayResp{Text: req.Text, User: id.Username}, nil
	}
	rpchttp.HandleUnary(srv, echoMethod, say)
	rpchttp.HandleUnary(srv, openMethod, say)
	rpchttp.HandleUnary(srv, failMethod, func(ctx context.Context, req *failReq) (*sayResp, error) {
		switch req.Mode {
		case "explicit":
			return nil, status.New(status.NotFound, "no such echo")
		case "keyword":
			return nil, errors.New("record not found in table")
		case "panic":
			panic("nil token cache")
		default:
			return nil, errors.New("disk on fire at /var/lib/secret")
		}
	})
	rpchttp.HandleServerStream[countReq, int](srv, streamMethod, func(ctx context.Context, req *countReq, out sessions.Sender) error {
		if req.Panic {
			panic("stream exploded")
		}
		id, _ := interceptor.IdentityFromContext(ctx)
		sess, err := sessions.New(id, sessions.KindTaskStream, out)
		if err != nil {
			return err
		}
		for i := 1; i <= req.N; i++ {
			if i == req.FailAt {
				return status.New(status.InvalidArgument, "cannot count that high")
			}
			if err := sess.Enqueue(sessions.Message{Event: "n", Data: []byte(fmt.Sprint(i))}); err != nil {
				return err
			}
		}
		if !req.Forever {
			sess.Enqueue(sessions.Message{Event: "done", Data: []byte(`"done"`)})
			go func() {
				for sess.Pending() > 0 {
					time.Sleep(time.Millisecond)
				}
				sess.Finish(sessions.ReasonEnd, nil)
			}()
		}
		err = reg.Attach(ctx, sess)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	rpchttp.HandleBidi[sayReq, sayResp](srv, bidiMethod, func(ctx context.Context, in rpchttp.Receiver[sayReq], out sessions.Sender) error {
		id, _ := interceptor.IdentityFromContext(ctx)
		for {
			msg, err := in.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if msg.Text == "bye" {
				return nil
			}
			data, _ := json.Marshal(sayResp{Text: strings.ToUpper(msg.Text), User: id.Username})
			if err := out.Send(ctx, sessions.Message{Data: data}); err != nil {
				return err
			}
		}
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, url, token, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeError(t *testing.T, res *http.Response) rpchttp.ErrorBody {
	t.Helper()
	var body rpchttp.ErrorBody
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestUnary_OK(t *testing.T) {
	_, ts := newServer(t)
	res := post(t, ts.URL+echoMethod, "good", "application/json", `{"text":"hi"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var got sayResp
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "hi" || got.User != "alice" {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestUnary_AuthRejections(t *testing.T) {
	_, ts := newServer(t)
	cases := []struct {
		name, token, want string
	}{
		{"missing", "", "authentication token required"},
		{"unknown", "forged", "invalid or expired token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := post(t, ts.URL+echoMethod, tc.token, "application/json", `{}`)
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status %d", res.StatusCode)
			}
			body := decodeError(t, res)
			if body.Error.Code != status.Unauthenticated || body.Error.Message != tc.want {
				t.Fatalf("unexpected %+v", body)
			}
		})
	}
}

func TestUnary_BearerChallenge(t *testing.T) {
	_, ts := newServer(t,
		rpchttp.WithRealm("taskrpc"),
		rpchttp.WithProtectedResource("https://api.example.com/", "https://issuer.example.com"),
	)
	const prm = `resource_metadata="https://api.example.com/.well-known/oauth-protected-resource"`
	cases := []struct {
		name, token, want string
	}{
		{"missing", "", `Bearer realm="taskrpc", ` + prm},
		{"invalid", "forged", `Bearer realm="taskrpc", ` + prm + `, error="invalid_token", error_description="invalid or expired token"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := post(t, ts.URL+echoMethod, tc.token, "application/json", `{}`)
			if got := res.Header.Get("WWW-Authenticate"); got != tc.want {
				t.Fatalf("challenge:\n got %s\nwant %s", got, tc.want)
			}
		})
	}

	res := post(t, ts.URL+echoMethod, "good", "application/json", `{}`)
	if got := res.Header.Get("WWW-Authenticate"); got != "" {
		t.Fatalf("challenge on success: %s", got)
	}

	doc, err := http.Get(ts.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	defer doc.Body.Close()
	var meta struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := json.NewDecoder(doc.Body).Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Resource != "https://api.example.com/" || len(meta.AuthorizationServers) != 1 || meta.AuthorizationServers[0] != "https://issuer.example.com" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestUnary_MalformedHeader(t *testing.T) {
	_, ts := newServer(t)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+echoMethod, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Token good")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	if body := decodeError(t, res); body.Error.Message != "invalid token format" {
		t.Fatalf("unexpected %+v", body)
	}
	if got := res.Header.Get("WWW-Authenticate"); got != `Bearer error="invalid_request", error_description="invalid token format"` {
		t.Fatalf("unexpected challenge %s", got)
	}
}

func TestUnary_SkipListRunsAnonymously(t *testing.T) {
	_, ts := newServer(t)
	res := post(t, ts.URL+openMethod, "", "", `{"text":"open"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var got sayResp
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.User != auth.Anonymous.Username {
		t.Fatalf("want anonymous identity, got %q", got.User)
	}
}

func TestUnary_HandlerErrors(t *testing.T) {
	_, ts := newServer(t)
	cases := []struct {
		mode     string
		httpCode int
		code     status.Kind
		message  string
	}{
		{"explicit", http.StatusNotFound, status.NotFound, "no such echo"},
		{"keyword", http.StatusNotFound, status.NotFound, "record not found in table"},
		{"internal", http.StatusInternalServerError, status.Internal, "internal server error"},
		{"panic", http.StatusInternalServerError, status.Internal, "internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			res := post(t, ts.URL+failMethod, "good", "application/json", fmt.Sprintf(`{"mode":%q}`, tc.mode))
			if res.StatusCode != tc.httpCode {
				t.Fatalf("status %d", res.StatusCode)
			}
			body := decodeError(t, res)
			if body.Error.Code != tc.code || body.Error.Message != tc.message {
				t.Fatalf("unexpected %+v", body)
			}
		})
	}
}

func TestUnary_BadRequests(t *testing.T) {
	_, ts := newServer(t)
	res := post(t, ts.URL+echoMethod, "good", "application/json", `{"text":`)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, res).Error.Code != status.InvalidArgument {
		t.Fatalf("broken JSON: status %d", res.StatusCode)
	}
	res = post(t, ts.URL+echoMethod, "good", "text/plain", `hi`)
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain: status %d", res.StatusCode)
	}
	res = post(t, ts.URL+"/test.Echo/Nope", "good", "application/json", `{}`)
	if res.StatusCode != http.StatusNotFound || decodeError(t, res).Error.Code != status.NotFound {
		t.Fatalf("unknown method: status %d", res.StatusCode)
	}
}

// readEvents reads SSE frames as "event:data" strings until EOF.
func readEvents(t *testing.T, r io.Reader) []string {
	t.Helper()
	var out []string
	var event string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			out = append(out, event+":"+strings.TrimPrefix(line, "data: "))
			event = ""
		}
	}
	return out
}

func TestServerStream_Frames(t *testing.T) {
	_, ts := newServer(t)
	res := post(t, ts.URL+streamMethod, "good", "application/json", `{"n":3}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type %q", ct)
	}
	got := strings.Join(readEvents(t, res.Body), ",")
	if got != `n:1,n:2,n:3,done:"done"` {
		t.Fatalf("unexpected frames %s", got)
	}
}

func TestServerStream_RejectedBeforeStart(t *testing.T) {
	_, ts := newServer(t)
	res := post(t, ts.URL+streamMethod, "", "application/json", `{"n":3}`)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
	if body := decodeError(t, res); body.Error.Code != status.Unauthenticated {
		t.Fatalf("unexpected %+v", body)
	}
}

func TestServerStream_ErrorAfterStart(t *testing.T) {
	_, ts := newServer(t)
	res := post(t, ts.URL+streamMethod, "good", "application/json", `{"n":3,"fail_at":2}`)
	events := readEvents(t, res.Body)
	if len(events) != 1 || !strings.HasPrefix(events[0], rpchttp.EventError+":") {
		t.Fatalf("unexpected frames %v", events)
	}
	var body rpchttp.ErrorBody
	if err := json.Unmarshal([]byte(strings.TrimPrefix(events[0], rpchttp.EventError+":")), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != status.InvalidArgument || body.Error.Message != "cannot count that high" {
		t.Fatalf("unexpected %+v", body)
	}
}

func TestServerStream_PanicAfterStart(t *testing.T) {
	_, ts := newServer(t)
	res := post(t, ts.URL+streamMethod, "good", "application/json", `{"n":1,"panic":true}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	events := readEvents(t, res.Body)
	if len(events) != 1 || !strings.HasPrefix(events[0], rpchttp.EventError+":") {
		t.Fatalf("unexpected frames %v", events)
	}
	var body rpchttp.ErrorBody
	if err := json.Unmarshal([]byte(strings.TrimPrefix(events[0], rpchttp.EventError+":")), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != status.Internal || body.Error.Message != "internal server error" {
		t.Fatalf("unexpected %+v", body)
	}
}

func wsURL(ts *httptest.Server, method string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + method
}

func TestBidi_Echo(t *testing.T) {
	_, ts := newServer(t)
	h := http.Header{}
	h.Set("Authorization", "Bearer good")
	conn, res, err := websocket.DefaultDialer.Dial(wsURL(ts, bidiMethod), h)
	if err != nil {
		t.Fatalf("dial: %v (%v)", err, res)
	}
	defer conn.Close()

	for _, text := range []string{"one", "two"} {
		if err := conn.WriteJSON(sayReq{Text: text}); err != nil {
			t.Fatalf("write: %v", err)
		}
		var got sayResp
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Text != strings.ToUpper(text) || got.User != "alice" {
			t.Fatalf("unexpected %+v", got)
		}
	}

	if err := conn.WriteJSON(sayReq{Text: "bye"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestBidi_RejectedBeforeUpgrade(t *testing.T) {
	_, ts := newServer(t)
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, bidiMethod), nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected response %v", res)
	}
}

func TestHealthAndDescriptors(t *testing.T) {
	_, ts := newServer(t)
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/.well-known/rpc-methods")
	if err != nil {
		t.Fatalf("descriptors: %v", err)
	}
	defer res.Body.Close()
	var doc struct {
		Methods []struct {
			Method     string `json:"method"`
			Service    string `json:"service"`
			Kind       string `json:"kind"`
			HTTPMethod string `json:"http_method"`
			Request    struct {
				Properties map[string]any `json:"properties"`
			} `json:"request"`
		} `json:"methods"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	kinds := map[string]string{}
	for _, m := range doc.Methods {
		kinds[m.Method] = m.Kind + " " + m.HTTPMethod
		if m.Service != "test.Echo" {
			t.Fatalf("service %q for %s", m.Service, m.Method)
		}
		if m.Method == echoMethod {
			if _, ok := m.Request.Properties["text"]; !ok {
				t.Fatalf("request schema missing text: %+v", m.Request)
			}
		}
	}
	want := map[string]string{
		echoMethod:   "unary POST",
		openMethod:   "unary POST",
		failMethod:   "unary POST",
		streamMethod: "server_stream POST",
		bidiMethod:   "bidi_stream GET",
	}
	for m, k := range want {
		if kinds[m] != k {
			t.Fatalf("%s: want %q, got %q", m, k, kinds[m])
		}
	}
}

func TestServe_ShutdownDrainsStreams(t *testing.T) {
	srv, _ := newServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	req, _ := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+streamMethod, strings.NewReader(`{"n":1,"forever":true}`))
	req.Header.Set("Authorization", "Bearer good")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()

	br := bufio.NewReader(res.Body)
	first := readEvents(t, io.LimitReader(br, int64(len("event: n\ndata: 1\n\n"))))
	if len(first) != 1 || first[0] != "n:1" {
		t.Fatalf("unexpected first frame %v", first)
	}

	cancel()
	if rest := readEvents(t, br); len(rest) != 0 {
		t.Fatalf("unexpected frames after shutdown %v", rest)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
	if n := srv.Registry().Len(); n != 0 {
		t.Fatalf("%d sessions left after shutdown", n)
	}
}
