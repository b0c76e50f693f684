// Package grpcserver exposes the copydeck gRPC API handlers.
//
// The service is declared by hand: every method takes and returns a google.protobuf.Struct,
// so requests and responses are plain JSON-shaped documents.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/copydeck/internal/convert"
	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/export"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "copydeck.v1.Catalog"

// Method names of ServiceName.
const (
	MethodRegister        = "Register"
	MethodLogin           = "Login"
	MethodSaveSnapshot    = "SaveSnapshot"
	MethodListSnapshots   = "ListSnapshots"
	MethodSearchSnapshots = "SearchSnapshots"
	MethodLoadSnapshot    = "LoadSnapshot"
	MethodDeleteSnapshot  = "DeleteSnapshot"
	MethodOverview        = "Overview"
	MethodExport          = "ExportCollection"
	MethodDedup           = "DedupCollection"
	MethodNormalize       = "NormalizeCollection"
	MethodCopyCategories  = "CopyCategories"
	MethodResetCategories = "ResetCategories"
)

// FullMethod returns the invocation path of method, e.g. "/copydeck.v1.Catalog/Login".
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// Snapshots is the snapshot API served over gRPC.
type Snapshots interface {
	SaveSnapshot(ctx context.Context, username, label string) (model.SnapshotMeta, error)
	SaveSnapshotFromState(ctx context.Context, username, label string, titles, contents []model.Item) (model.SnapshotMeta, error)
	ListSnapshots(ctx context.Context, username string, limit int) ([]model.SnapshotMeta, error)
	SearchSnapshots(ctx context.Context, username, query string, page, pageSize int) (service.SearchResult, error)
	LoadSnapshot(ctx context.Context, username, key string, scope model.Scope) (model.SnapshotMeta, error)
	DeleteSnapshot(ctx context.Context, username, key string) error
	Overview(ctx context.Context, username string) (service.Overview, error)
}

// Catalog is the collection maintenance API served over gRPC.
type Catalog interface {
	Export(ctx context.Context, username string, coll model.Collection, f export.Format) (service.ExportResult, error)
	Dedup(ctx context.Context, username string, coll model.Collection) (int, error)
	Normalize(ctx context.Context, username string, coll model.Collection) (int, error)
	CopyCategories(ctx context.Context, username string, from, to model.Collection) error
	ResetCategories(ctx context.Context, username string) error
}

// Server wires services into gRPC handlers.
type Server struct {
	auth    service.AuthService
	snaps   Snapshots
	catalog Catalog
	log     *zap.Logger
}

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, snaps Snapshots, catalog Catalog, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, snaps: snaps, catalog: catalog, log: log}
}

// Register attaches the service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) { gs.RegisterService(&ServiceDesc, s) }

// handlerType is the HandlerType of ServiceDesc.
type handlerType interface {
	invoke(ctx context.Context, c call, in *structpb.Struct) (*structpb.Struct, error)
}

type call func(s *Server, ctx context.Context, a convert.Args) (map[string]any, error)

// ServiceDesc declares ServiceName for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*handlerType)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodRegister, (*Server).register),
		unary(MethodLogin, (*Server).login),
		unary(MethodSaveSnapshot, (*Server).saveSnapshot),
		unary(MethodListSnapshots, (*Server).listSnapshots),
		unary(MethodSearchSnapshots, (*Server).searchSnapshots),
		unary(MethodLoadSnapshot, (*Server).loadSnapshot),
		unary(MethodDeleteSnapshot, (*Server).deleteSnapshot),
		unary(MethodOverview, (*Server).overview),
		unary(MethodExport, (*Server).exportCollection),
		unary(MethodDedup, (*Server).dedupCollection),
		unary(MethodNormalize, (*Server).normalizeCollection),
		unary(MethodCopyCategories, (*Server).copyCategories),
		unary(MethodResetCategories, (*Server).resetCategories),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "copydeck/v1/catalog.proto",
}

func unary(name string, c call) grpc.MethodDesc {
	full := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := func(ctx context.Context, req any) (any, error) {
				return srv.(handlerType).invoke(ctx, c, req.(*structpb.Struct))
			}
			if ic == nil {
				return h(ctx, in)
			}
			return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, h)
		},
	}
}

func (s *Server) invoke(ctx context.Context, c call, in *structpb.Struct) (*structpb.Struct, error) {
	out, err := c(s, ctx, convert.NewArgs(in))
	if err != nil {
		return nil, s.toStatus(err)
	}
	resp, err := convert.Struct(out)
	if err != nil {
		s.log.Error("encode response", zap.Error(err))
		return nil, status.Error(codes.Internal, "internal")
	}
	return resp, nil
}

// toStatus maps domain sentinels to gRPC codes.
func (s *Server) toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, errs.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrPermission):
		code = codes.PermissionDenied
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, errs.ErrStore):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		s.log.Error("unmapped error", zap.Error(err))
		return status.Error(codes.Internal, "internal")
	}
	return status.Error(code, err.Error())
}

// user returns the session user resolved by AuthUnary.
func user(ctx context.Context) (string, error) {
	id, ok := IdentityFromCtx(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "no auth")
	}
	return id.Username, nil
}

func collection(a convert.Args, field string) (model.Collection, error) {
	c, err := model.ParseCollection(a.String(field))
	if err != nil {
		return "", errs.Validation("%v", err)
	}
	return c, nil
}

// --- Auth ---

func (s *Server) register(ctx context.Context, a convert.Args) (map[string]any, error) {
	username, password := a.String("username"), a.String("password")
	if username == "" || password == "" {
		return nil, errs.Validation("empty username/password")
	}
	userID, err := s.auth.Register(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{"userId": userID}, nil
}

func (s *Server) login(ctx context.Context, a convert.Args) (map[string]any, error) {
	tok, u, err := s.auth.LoginWithIP(ctx, a.String("username"), a.String("password"), remoteIP(ctx))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"accessToken": tok.AccessToken,
		"expiresAt":   tok.ExpiresAt.UTC().Format(time.RFC3339),
		"userId":      u.ID.String(),
		"username":    u.Username,
	}, nil
}

// --- Snapshots ---

func (s *Server) saveSnapshot(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	label := a.String("label")
	if !a.Has("titles") && !a.Has("contents") {
		meta, err := s.snaps.SaveSnapshot(ctx, u, label)
		if err != nil {
			return nil, err
		}
		return convert.MetaMap(meta), nil
	}
	titles, err := a.Items("titles")
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	contents, err := a.Items("contents")
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	meta, err := s.snaps.SaveSnapshotFromState(ctx, u, label, titles, contents)
	if err != nil {
		return nil, err
	}
	return convert.MetaMap(meta), nil
}

func (s *Server) listSnapshots(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	ms, err := s.snaps.ListSnapshots(ctx, u, a.Int("limit", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": convert.MetaList(ms)}, nil
}

func (s *Server) searchSnapshots(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.snaps.SearchSnapshots(ctx, u, a.String("query"), a.Int("page", 1), a.Int("pageSize", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"items": convert.MetaList(res.Items),
		"total": res.Total,
		"page":  res.Page,
		"pages": res.Pages,
	}, nil
}

func (s *Server) loadSnapshot(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	scope, err := model.ParseScope(a.String("scope"))
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	meta, err := s.snaps.LoadSnapshot(ctx, u, a.String("key"), scope)
	if err != nil {
		return nil, err
	}
	return convert.MetaMap(meta), nil
}

func (s *Server) deleteSnapshot(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.snaps.DeleteSnapshot(ctx, u, a.String("key")); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) overview(ctx context.Context, _ convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	ov, err := s.snaps.Overview(ctx, u)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"titles": ov.Titles, "contents": ov.Contents}
	if ov.Latest != nil {
		out["latest"] = convert.MetaMap(*ov.Latest)
	}
	return out, nil
}

// --- Catalog ---

func (s *Server) exportCollection(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := collection(a, "collection")
	if err != nil {
		return nil, err
	}
	f, err := export.ParseFormat(a.String("format"))
	if err != nil {
		return nil, errs.Validation("%v", err)
	}
	res, err := s.catalog.Export(ctx, u, coll, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": res.Key, "url": res.URL, "rows": res.Rows}, nil
}

func (s *Server) dedupCollection(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := collection(a, "collection")
	if err != nil {
		return nil, err
	}
	n, err := s.catalog.Dedup(ctx, u, coll)
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": n}, nil
}

func (s *Server) normalizeCollection(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := collection(a, "collection")
	if err != nil {
		return nil, err
	}
	n, err := s.catalog.Normalize(ctx, u, coll)
	if err != nil {
		return nil, err
	}
	return map[string]any{"changed": n}, nil
}

func (s *Server) copyCategories(ctx context.Context, a convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	from, err := collection(a, "from")
	if err != nil {
		return nil, err
	}
	to, err := collection(a, "to")
	if err != nil {
		return nil, err
	}
	if err := s.catalog.CopyCategories(ctx, u, from, to); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) resetCategories(ctx context.Context, _ convert.Args) (map[string]any, error) {
	u, err := user(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.ResetCategories(ctx, u); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
