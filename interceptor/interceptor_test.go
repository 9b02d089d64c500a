package interceptor_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/auth/authtest"
	"github.com/ggoodman/taskrpc/interceptor"
	"github.com/ggoodman/taskrpc/status"
)

const (
	register = "/auth.AuthService/Register"
	getTasks = "/tasks.TaskService/GetTasks"
)

func newChain(extra ...interceptor.Stage) *interceptor.Chain {
	tokens := authtest.NewTokens()
	tokens.Add("good", "u-1", "alice")
	stage := interceptor.NewAuthStage(auth.NewVerifier(tokens), interceptor.WithSkipList(register, "/auth.AuthService/Login"))
	return interceptor.NewChain(append([]interceptor.Stage{stage}, extra...))
}

func call(method, authorization string) *interceptor.Call {
	h := http.Header{}
	if authorization != "" {
		h.Set("Authorization", authorization)
	}
	return &interceptor.Call{Method: method, Header: h}
}

func TestChain_NoTokenRejected(t *testing.T) {
	_, res := newChain().Run(context.Background(), call(getTasks, ""))
	if !res.Rejected() {
		t.Fatalf("expected rejection")
	}
	kind, msg := res.Status()
	if kind != status.Unauthenticated || msg != "authentication token required" {
		t.Fatalf("got %s %q", kind, msg)
	}
}

func TestChain_MalformedRejected(t *testing.T) {
	_, res := newChain().Run(context.Background(), call(getTasks, "Token abc"))
	kind, msg := res.Status()
	if kind != status.Unauthenticated || msg != "invalid token format" {
		t.Fatalf("got %s %q", kind, msg)
	}
}

func TestChain_InvalidTokenRejected(t *testing.T) {
	_, res := newChain().Run(context.Background(), call(getTasks, "Bearer forged"))
	kind, msg := res.Status()
	if kind != status.Unauthenticated || msg != "invalid or expired token" {
		t.Fatalf("got %s %q", kind, msg)
	}
}

func TestChain_IdentityRoundTrip(t *testing.T) {
	ctx, res := newChain().Run(context.Background(), call(getTasks, "bearer good"))
	if res.Rejected() {
		t.Fatalf("unexpected rejection: %v", res.Err())
	}
	id, ok := interceptor.IdentityFromContext(ctx)
	if !ok || id.SubjectID != "u-1" || id.Username != "alice" {
		t.Fatalf("identity not attached: %+v %v", id, ok)
	}
}

func TestChain_SkipListRunsWithoutToken(t *testing.T) {
	ctx, res := newChain().Run(context.Background(), call(register, ""))
	if res.Rejected() {
		t.Fatalf("skip-listed method rejected: %v", res.Err())
	}
	id, ok := interceptor.IdentityFromContext(ctx)
	if !ok || !id.IsAnonymous() {
		t.Fatalf("want anonymous identity, got %+v %v", id, ok)
	}
}

func TestChain_SkipListIsExactMatch(t *testing.T) {
	for _, m := range []string{"/auth.AuthService/RegisterAdmin", "/auth.AuthService/register", "auth.AuthService/Register"} {
		_, res := newChain().Run(context.Background(), call(m, ""))
		if !res.Rejected() {
			t.Fatalf("%s: near-miss of skip list must not bypass auth", m)
		}
	}
}

func TestChain_StopsAtFirstReject(t *testing.T) {
	ran := false
	later := interceptor.StageFunc(func(ctx context.Context, c *interceptor.Call) interceptor.Result {
		ran = true
		return interceptor.Continue()
	})
	_, res := newChain(later).Run(context.Background(), call(getTasks, ""))
	if !res.Rejected() {
		t.Fatalf("expected rejection")
	}
	if ran {
		t.Fatalf("stage after rejection must not run")
	}
}

func TestChain_LaterStageSeesOrder(t *testing.T) {
	var order []string
	mk := func(name string) interceptor.Stage {
		return interceptor.StageFunc(func(ctx context.Context, c *interceptor.Call) interceptor.Result {
			order = append(order, name)
			return interceptor.Continue()
		})
	}
	_, res := newChain(mk("a"), mk("b")).Run(context.Background(), call(getTasks, "Bearer good"))
	if res.Rejected() {
		t.Fatalf("unexpected rejection")
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestChain_PanicBecomesInternal(t *testing.T) {
	boom := interceptor.StageFunc(func(ctx context.Context, c *interceptor.Call) interceptor.Result {
		panic("boom")
	})
	_, res := newChain(boom).Run(context.Background(), call(getTasks, "Bearer good"))
	if kind, _ := res.Status(); kind != status.Internal {
		t.Fatalf("want Internal, got %s", kind)
	}
}

func TestChain_RejectErrUsesChainClassifier(t *testing.T) {
	deny := interceptor.StageFunc(func(ctx context.Context, c *interceptor.Call) interceptor.Result {
		return interceptor.RejectErr(errors.New("session token revoked"))
	})

	_, res := interceptor.NewChain([]interceptor.Stage{deny}).Run(context.Background(), call(getTasks, ""))
	if kind, _ := res.Status(); kind != status.Unauthenticated {
		t.Fatalf("default classifier: got %s", kind)
	}

	strict := status.NewClassifier(status.WithoutKeywordFallback())
	_, res = interceptor.NewChain([]interceptor.Stage{deny}, interceptor.WithClassifier(strict)).Run(context.Background(), call(getTasks, ""))
	kind, msg := res.Status()
	if kind != status.Internal || msg != "internal server error" {
		t.Fatalf("strict classifier: got %s %q", kind, msg)
	}
	if se, ok := status.FromError(res.Err()); !ok || se.Kind != status.Internal {
		t.Fatalf("Err = %v, want Internal", res.Err())
	}
}

func TestChain_CustomReject(t *testing.T) {
	deny := interceptor.StageFunc(func(ctx context.Context, c *interceptor.Call) interceptor.Result {
		return interceptor.Reject(status.InvalidArgument, "nope")
	})
	_, res := interceptor.NewChain([]interceptor.Stage{deny}).Run(context.Background(), call(getTasks, ""))
	kind, msg := res.Status()
	if kind != status.InvalidArgument || msg != "nope" {
		t.Fatalf("got %s %q", kind, msg)
	}
	if res.Err() == nil {
		t.Fatalf("Err must be non-nil for rejection")
	}
}
