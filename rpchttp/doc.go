// Package rpchttp serves RPC methods over HTTP.
//
// Every method lives at its canonical path "/<service>/<method>". Call
// metadata is the HTTP request header set, so the "authorization" entry is
// matched case-insensitively. Each request runs the interceptor chain
// exactly once before any handler code:
//
//   - unary methods are POST with a JSON body and a JSON response;
//   - server streams are POST answered with text/event-stream;
//   - bidirectional streams are WebSocket upgrades on GET.
//
// Failed calls carry an ErrorBody with the status code name and the HTTP
// status mapped from it. GET /healthz reports liveness and GET
// /.well-known/rpc-methods lists the mounted methods with JSON Schemas of
// their messages.
package rpchttp
