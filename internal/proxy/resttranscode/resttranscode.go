// Package resttranscode implements the REST -> RPC transcoder (spec §4.9):
// path/query parameters and a JSON body are bound onto a request message
// built from a runtime-supplied descriptor, the backend is invoked as a
// unary RPC, and the response message is serialized back to JSON.
//
// Unlike internal/proxy/wsrpc's LPM bridging, the transcoder always knows
// the concrete message shape for a route at request time (the mapping and
// descriptor are loaded from config alongside the route table), so it
// builds dynamicpb.Message values and lets the standard "proto" gRPC codec
// marshal them, rather than reaching for a raw-bytes pass-through codec —
// see DESIGN.md for why the wudi-gateway rawCodec technique does not apply
// here.
package resttranscode

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/tracplatform/gateway/internal/errmap"
	"github.com/tracplatform/gateway/internal/route"
	"github.com/tracplatform/gateway/internal/token"
)

// Mapping binds a REST route's path template, query parameters, and JSON
// body onto fields of a backend RPC's request message (spec §4.9: "a
// configured mapping, generated offline from service definitions").
type Mapping struct {
	// Service is the fully-qualified gRPC service name, e.g.
	// "tracdap.api.TracMetadataApi".
	Service string
	// Method is the unary RPC method name, e.g. "readObject".
	Method string
	// PathTemplate uses {name} placeholders matched positionally against
	// the route's rewritten request path, e.g.
	// "/api/v1/{tenant}/{objectType}/{objectId}/versions/{version}/tags/{tag}".
	PathTemplate string
	// QueryParams maps a query string key to a (possibly dot-nested)
	// request message field path.
	QueryParams map[string]string
	// RequestType and ResponseType name the fully-qualified message types
	// exchanged with Service/Method.
	RequestType  protoreflect.FullName
	ResponseType protoreflect.FullName
}

// pathParamNames returns the ordered {name} placeholders in m.PathTemplate.
func (m Mapping) pathParamNames() []string {
	var names []string
	for _, segment := range strings.Split(m.PathTemplate, "/") {
		if strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
			names = append(names, strings.Trim(segment, "{}"))
		}
	}
	return names
}

// Registry resolves a route.Route.RouteKey to its Mapping and builds
// request/response messages from a descriptor set supplied at startup
// (spec §1: "the runtime use of transcoded descriptors is in scope").
type Registry struct {
	files    *protoregistry.Files
	mappings map[string]Mapping
}

// NewRegistry parses fds once and pairs it with the given route-key ->
// Mapping table.
func NewRegistry(fds *descriptorpb.FileDescriptorSet, mappings map[string]Mapping) (*Registry, error) {
	files, err := protodesc.NewFiles(fds)
	if err != nil {
		return nil, fmt.Errorf("resttranscode: parsing descriptor set: %w", err)
	}
	return &Registry{files: files, mappings: mappings}, nil
}

func (reg *Registry) messageType(name protoreflect.FullName) (*dynamicpb.MessageType, error) {
	desc, err := reg.files.FindDescriptorByName(name)
	if err != nil {
		return nil, fmt.Errorf("resttranscode: message %q not in descriptor set: %w", name, err)
	}
	md, ok := desc.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("resttranscode: %q is not a message", name)
	}
	return dynamicpb.NewMessageType(md), nil
}

// Engine invokes backend unary RPCs on behalf of REST-class routes and
// transcodes between JSON and the bound protobuf messages (spec §4.9).
type Engine struct {
	Registry *Registry
	Delegate *token.DelegateSource // optional; attached as call credentials when set

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // backend "host:port" -> pooled connection
}

// New builds an Engine around reg. delegate may be nil when internal
// delegate-session fan-out is not configured.
func New(reg *Registry, delegate *token.DelegateSource) *Engine {
	return &Engine{Registry: reg, Delegate: delegate, conns: make(map[string]*grpc.ClientConn)}
}

// Handler builds an http.Handler that transcodes a REST request for route
// into a unary RPC against target, using the mapping registered under
// route.RouteKey.
func (e *Engine) Handler(rt *route.Route, target route.Target) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.serve(w, r, rt, target)
	})
}

func (e *Engine) serve(w http.ResponseWriter, r *http.Request, rt *route.Route, target route.Target) {
	if !acceptsJSON(r) {
		errmap.WriteError(w, errmap.UnsupportedProtocol, "Accept header must include application/json")
		return
	}

	mapping, ok := e.Registry.mappings[rt.RouteKey]
	if !ok {
		errmap.WriteJSONError(w, errmap.RouteNotMatched, "TRANSCODE_MAPPING_NOT_FOUND", "no transcode mapping for this route")
		return
	}

	reqType, err := e.Registry.messageType(mapping.RequestType)
	if err != nil {
		errmap.WriteJSONError(w, errmap.Malformed, "TRANSCODE_DESCRIPTOR_ERROR", err.Error())
		return
	}
	respType, err := e.Registry.messageType(mapping.ResponseType)
	if err != nil {
		errmap.WriteJSONError(w, errmap.Malformed, "TRANSCODE_DESCRIPTOR_ERROR", err.Error())
		return
	}

	fields, err := bindFields(r, mapping)
	if err != nil {
		errmap.WriteJSONError(w, errmap.Malformed, "TRANSCODE_BIND_ERROR", err.Error())
		return
	}

	reqMsg := reqType.New().Interface()
	payload, err := json.Marshal(fields)
	if err != nil {
		errmap.WriteJSONError(w, errmap.Malformed, "TRANSCODE_BIND_ERROR", "could not serialize bound fields")
		return
	}
	if err := protojson.Unmarshal(payload, reqMsg); err != nil {
		errmap.WriteJSONError(w, errmap.Malformed, "TRANSCODE_BIND_ERROR", "request does not match message schema: "+err.Error())
		return
	}

	conn, err := e.connFor(target)
	if err != nil {
		errmap.WriteJSONError(w, errmap.BackendUnreachable, "BACKEND_UNREACHABLE", err.Error())
		return
	}

	respMsg := respType.New().Interface()
	ctx := r.Context()
	var callOpts []grpc.CallOption
	if e.Delegate != nil {
		callOpts = append(callOpts, grpc.PerRPCCredentials(e.Delegate))
	}
	fullMethod := "/" + mapping.Service + "/" + mapping.Method
	if err := conn.Invoke(ctx, fullMethod, reqMsg, respMsg, callOpts...); err != nil {
		writeRPCError(w, err)
		return
	}

	out, err := protojson.Marshal(respMsg)
	if err != nil {
		errmap.WriteJSONError(w, errmap.BackendResetOrTimeout, "TRANSCODE_MARSHAL_ERROR", "could not serialize backend response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// connFor returns a pooled *grpc.ClientConn to target's host:port, dialing
// lazily on first use. Backend RPC traffic always runs cleartext h2c, like
// internal/proxy/http2proxy and internal/proxy/wsrpc.
func (e *Engine) connFor(target route.Target) (*grpc.ClientConn, error) {
	addr := target.Host
	if target.Port != 0 {
		addr = fmt.Sprintf("%s:%d", target.Host, target.Port)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if conn, ok := e.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	e.conns[addr] = conn
	return conn, nil
}

// Close shuts down every pooled backend connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for addr, conn := range e.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.conns, addr)
	}
	return firstErr
}

// acceptsJSON implements spec §4.9's "Accept must include application/json
// or the request fails 406" and scenario S8. A request with no Accept
// header, or one that includes */*, is also accepted.
func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	return strings.Contains(accept, "application/json") || strings.Contains(accept, "*/*")
}

// bindFields applies spec §4.9's binding order: path template placeholders,
// then query parameters, then the JSON body populating the remainder —
// returned as a single field-path -> value map ready for protojson.
func bindFields(r *http.Request, m Mapping) (map[string]any, error) {
	fields := make(map[string]any)

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("could not read request body")
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, fmt.Errorf("malformed JSON body: %w", err)
			}
		}
	}

	segments := strings.Split(r.URL.Path, "/")
	names := m.pathParamNames()
	templateSegments := strings.Split(m.PathTemplate, "/")
	if len(segments) == len(templateSegments) {
		ni := 0
		for i, ts := range templateSegments {
			if strings.HasPrefix(ts, "{") && strings.HasSuffix(ts, "}") {
				setFieldPath(fields, names[ni], segments[i])
				ni++
			}
		}
	}

	for key, fieldPath := range m.QueryParams {
		if v := r.URL.Query().Get(key); v != "" {
			setFieldPath(fields, fieldPath, v)
		}
	}

	return fields, nil
}

// setFieldPath sets value at a dot-separated path within fields, creating
// intermediate maps as needed.
func setFieldPath(fields map[string]any, path string, value string) {
	parts := strings.Split(path, ".")
	m := fields
	for i, p := range parts {
		if i == len(parts)-1 {
			m[p] = value
			return
		}
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
}

// writeRPCError maps a backend gRPC status to spec §4.10/§4.9's REST error
// table: invalid argument -> 400, not found -> 404, auth failures ->
// 401/403, deadline/unavailable and anything else -> 504.
func writeRPCError(w http.ResponseWriter, err error) {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		errmap.WriteJSONError(w, errmap.BackendResetOrTimeout, "BACKEND_ERROR", err.Error())
		return
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		errmap.WriteJSONError(w, errmap.Malformed, "VALIDATION_ERROR", st.Message())
	case codes.NotFound:
		errmap.WriteJSONError(w, errmap.RouteNotMatched, "NOT_FOUND", st.Message())
	case codes.Unauthenticated:
		errmap.WriteJSONError(w, errmap.AuthFailed, "UNAUTHENTICATED", st.Message())
	case codes.PermissionDenied:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "PERMISSION_DENIED", "message": st.Message()})
	case codes.DeadlineExceeded, codes.Unavailable:
		errmap.WriteJSONError(w, errmap.BackendResetOrTimeout, "BACKEND_TIMEOUT", st.Message())
	default:
		errmap.WriteJSONError(w, errmap.BackendResetOrTimeout, "BACKEND_ERROR", st.Message())
	}
}
