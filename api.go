package treasury

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/twitchtv/twirp"
)

func (s *Server) Handler() http.Handler {
	m := chi.NewMux()
	m.Use(middleware.Recoverer)
	m.Use(middleware.RealIP)
	m.Use(middleware.Logger)
	m.Use(middleware.Heartbeat("/hc"))
	m.Use(cors.AllowAll().Handler)
	m.Use(handleAuth(s.cfg.AuthIssuer, s.cfg.AuthSecret))

	m.Get("/balances", s.getBalances)
	m.Post("/deposits", s.deposit)

	m.Route("/requests", func(r chi.Router) {
		r.Get("/", s.listRequests)
		r.Post("/", s.createRequest)
		r.Get("/{id}", s.getRequest)
		r.Get("/{id}/reaper", s.getReaperState)
		r.Post("/{id}/commit", s.commitApproval)
		r.Post("/{id}/reveal", s.revealApproval)
		r.Post("/{id}/cancel", s.cancelRequest)
		r.Post("/{id}/cancel-abandoned", s.cancelAbandoned)
		r.Post("/{id}/unlock-stale", s.unlockStale)
	})

	m.Route("/closures", func(r chi.Router) {
		r.Post("/", s.initiateClosure)
		r.Get("/pending", s.pendingClosure)
		r.Get("/{id}", s.getClosure)
		r.Post("/{id}/commit", s.commitClosure)
		r.Post("/{id}/approve", s.approveClosure)
		r.Post("/{id}/cancel", s.cancelClosure)
	})

	m.Get("/roles/{role}", s.listMembers)
	m.Put("/roles/{role}/{account}", s.grantRole)
	m.Delete("/roles/{role}/{account}", s.revokeRole)

	return m
}

func renderJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)

	_ = json.NewEncoder(w).Encode(v)
}

func renderErr(w http.ResponseWriter, err error) {
	_ = twirp.WriteError(w, twirpError(err))
}

// twirpError maps core errors onto twirp codes by kind.
func twirpError(err error) twirp.Error {
	var te twirp.Error
	if errors.As(err, &te) {
		return te
	}

	var code twirp.ErrorCode
	switch ErrorKind(err) {
	case KindValidation:
		code = twirp.InvalidArgument
	case KindAuthorization:
		code = twirp.PermissionDenied
	case KindProtocol:
		code = twirp.FailedPrecondition
	case KindState:
		switch {
		case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrClosureNotFound):
			code = twirp.NotFound
		case errors.Is(err, ErrClosureActive):
			code = twirp.AlreadyExists
		case errors.Is(err, ErrPaused):
			code = twirp.Unavailable
		default:
			code = twirp.FailedPrecondition
		}
	case KindResource:
		code = twirp.ResourceExhausted
	case KindExternal:
		code = twirp.Unavailable
	default:
		slog.Error("internal error", slog.Any("err", err))
		return twirp.InternalErrorWith(err)
	}

	return twirp.NewError(code, err.Error()).WithMeta("kind", ErrorKind(err).String())
}

func requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account, ok := AccountFrom(r.Context())
	if !ok {
		renderErr(w, twirp.Unauthenticated.Error("unauthenticated"))
	}

	return account, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		renderErr(w, twirp.InvalidArgumentError("body", err.Error()))
		return false
	}

	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := cast.ToUint64E(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		renderErr(w, twirp.InvalidArgumentError("id", "invalid"))
		return 0, false
	}

	return id, true
}

func pathRole(w http.ResponseWriter, r *http.Request) (Role, bool) {
	name := chi.URLParam(r, "role")
	if !govalidator.IsIn(name, RoleNames()...) {
		renderErr(w, twirp.InvalidArgumentError("role", "unknown"))
		return 0, false
	}

	role, err := ParseRole(name)
	if err != nil {
		renderErr(w, err)
		return 0, false
	}

	return role, true
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	b, err := s.Balances(r.Context())
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]any{
		"total":     b.Total,
		"locked":    b.Locked,
		"available": b.Available(),
	})
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}

	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.Deposit(r.Context(), account, body.Amount); err != nil {
		renderErr(w, err)
		return
	}

	s.getBalances(w, r)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	before := cast.ToUint64(q.Get("before"))
	limit := cast.ToInt(q.Get("limit"))

	requests, err := s.ListRequests(r.Context(), before, limit)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, requests)
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var body CreateRequestInput
	if !decodeBody(w, r, &body) {
		return
	}

	req, err := s.CreateRequest(r.Context(), account, body)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, req)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	req, err := s.GetRequest(r.Context(), id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, req)
}

func (s *Server) getReaperState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	abandoned, err := s.IsAbandoned(ctx, id)
	if err != nil {
		renderErr(w, err)
		return
	}

	stale, err := s.IsStale(ctx, id)
	if err != nil {
		renderErr(w, err)
		return
	}

	locked, err := s.RequestLock(ctx, id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]any{
		"abandoned": abandoned,
		"stale":     stale,
		"locked":    locked,
	})
}

type commitBody struct {
	Hash Hash `json:"hash"`
}

type revealBody struct {
	Nonce string `json:"nonce"` // hex
}

func (b revealBody) bytes(w http.ResponseWriter) ([]byte, bool) {
	nonce, err := hex.DecodeString(b.Nonce)
	if err != nil || len(nonce) == 0 {
		renderErr(w, twirp.InvalidArgumentError("nonce", "hex encoded nonce required"))
		return nil, false
	}

	return nonce, true
}

func (s *Server) commitApproval(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body commitBody
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.CommitApproval(r.Context(), account, id, body.Hash); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]any{"committed": true})
}

func (s *Server) revealApproval(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body revealBody
	if !decodeBody(w, r, &body) {
		return
	}

	nonce, ok := body.bytes(w)
	if !ok {
		return
	}

	req, err := s.RevealApproval(r.Context(), account, id, nonce)
	if err != nil {
		te := twirpError(err)
		if req != nil {
			te = te.WithMeta("status", req.Status.String())
		}

		_ = twirp.WriteError(w, te)
		return
	}

	renderJSON(w, req)
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	req, err := s.CancelRequest(r.Context(), account, id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, req)
}

func (s *Server) cancelAbandoned(w http.ResponseWriter, r *http.Request) {
	account, _ := AccountFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	req, err := s.CancelAbandoned(r.Context(), account, id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, req)
}

func (s *Server) unlockStale(w http.ResponseWriter, r *http.Request) {
	account, _ := AccountFrom(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	req, err := s.UnlockStale(r.Context(), account, id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, req)
}

func (s *Server) initiateClosure(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	var body struct {
		ReturnAddress string `json:"return_address"`
		Reason        string `json:"reason"`
	}

	if !decodeBody(w, r, &body) {
		return
	}

	c, err := s.InitiateClosure(r.Context(), account, body.ReturnAddress, body.Reason)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, c)
}

func (s *Server) pendingClosure(w http.ResponseWriter, r *http.Request) {
	c, err := s.PendingClosure(r.Context())
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, c)
}

func (s *Server) getClosure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	c, err := s.GetClosure(r.Context(), id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, c)
}

func (s *Server) commitClosure(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body commitBody
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.CommitClosureApproval(r.Context(), account, id, body.Hash); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]any{"committed": true})
}

func (s *Server) approveClosure(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body revealBody
	if !decodeBody(w, r, &body) {
		return
	}

	nonce, ok := body.bytes(w)
	if !ok {
		return
	}

	c, err := s.ApproveClosure(r.Context(), account, id, nonce)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, c)
}

func (s *Server) cancelClosure(w http.ResponseWriter, r *http.Request) {
	account, ok := requireAccount(w, r)
	if !ok {
		return
	}

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	c, err := s.CancelClosure(r.Context(), account, id)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, c)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	role, ok := pathRole(w, r)
	if !ok {
		return
	}

	accounts, err := s.Members(r.Context(), role)
	if err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, accounts)
}

func (s *Server) grantRole(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAccount(w, r)
	if !ok {
		return
	}

	role, ok := pathRole(w, r)
	if !ok {
		return
	}

	if err := s.Grant(r.Context(), admin, role, chi.URLParam(r, "account")); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]any{"granted": true})
}

func (s *Server) revokeRole(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAccount(w, r)
	if !ok {
		return
	}

	role, ok := pathRole(w, r)
	if !ok {
		return
	}

	if err := s.Revoke(r.Context(), admin, role, chi.URLParam(r, "account")); err != nil {
		renderErr(w, err)
		return
	}

	renderJSON(w, map[string]any{"revoked": true})
}
