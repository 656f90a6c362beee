package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/identity"
	"github.com/platinummonkey/authgate/pkg/otp"
)

// OTPHandlers serves email code signup, login and verification
type OTPHandlers struct {
	s *Server
}

// RegisterRoutes registers the one-time code routes
func (h *OTPHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/auth/signup", h.s.limited(http.HandlerFunc(h.signup))).Methods(http.MethodPost)
	router.Handle("/auth/login", h.s.limited(http.HandlerFunc(h.login))).Methods(http.MethodPost)
	router.Handle("/auth/verify/resend", h.s.limited(http.HandlerFunc(h.resend))).Methods(http.MethodPost)
	router.Handle("/auth/verify", h.s.limited(http.HandlerFunc(h.verify))).Methods(http.MethodPost)
	router.HandleFunc("/magiclink/{token}", h.magicLink).Methods(http.MethodGet)
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
	Code  string `json:"code"`
}

// UserSummary is the user shape returned by sign-in endpoints
type UserSummary struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// VerifyResponse is returned by a successful code verification
type VerifyResponse struct {
	User         UserSummary `json:"user"`
	HasPasskey   bool        `json:"hasPasskey"`
	RedirectPath string      `json:"redirectPath"`
	IsNewUser    bool        `json:"isNewUser"`
	JWT          string      `json:"jwt"`
}

func (h *OTPHandlers) signup(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	addr := auth.NormalizeEmail(req.Email)
	if addr == "" {
		httputil.WriteBadRequest(w, "Email is required")
		return
	}

	existing, err := h.s.deps.Store.GetUserByEmail(ctx, addr)
	switch {
	case err == nil && existing.EmailVerified:
		httputil.WriteBadRequest(w, "An account with this email already exists")
		return
	case err != nil && !isNotFound(err):
		httputil.WriteAuthError(w, r, autherr.Wrap(err, autherr.KindInternal, "lookup user"))
		return
	}

	if !h.send(w, r, addr, auth.PurposeSignup, "") {
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"success": true})
}

// login never reveals whether the email has an account
func (h *OTPHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	addr := auth.NormalizeEmail(req.Email)
	if addr == "" {
		httputil.WriteBadRequest(w, "Email is required")
		return
	}

	_, err := h.s.deps.OTP.Send(r.Context(), addr, auth.PurposeLogin, "")
	switch {
	case err == nil:
		audit.LogSuccess(r.Context(), h.s.deps.Audit, audit.EventTypeOTPSent, "", addr, string(auth.PurposeLogin))
	case autherr.KindOf(err) == autherr.KindNotFound:
		audit.LogFailure(r.Context(), h.s.deps.Audit, audit.EventTypeOTPSent, addr, "unknown email", err)
	default:
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"success": true})
}

func (h *OTPHandlers) resend(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !h.send(w, r, req.Email, auth.PurposeVerification, identity.PathDashboard) {
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"success": true})
}

// send issues a code and writes the error response on failure
func (h *OTPHandlers) send(w http.ResponseWriter, r *http.Request, addr string, purpose auth.OTPPurpose, redirect string) bool {
	res, err := h.s.deps.OTP.Send(r.Context(), addr, purpose, redirect)
	if err != nil {
		audit.LogFailure(r.Context(), h.s.deps.Audit, audit.EventTypeOTPSent, addr, string(purpose), err)
		httputil.WriteAuthError(w, r, err)
		return false
	}
	audit.LogSuccess(r.Context(), h.s.deps.Audit, audit.EventTypeOTPSent, res.User.ID, res.User.Email, string(purpose))
	return true
}

func (h *OTPHandlers) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()

	var (
		res *otp.Result
		err error
	)
	if req.Token != "" {
		res, err = h.s.deps.OTP.VerifyToken(ctx, req.Token)
	} else {
		res, err = h.s.deps.OTP.VerifyCode(ctx, req.Email, req.Code)
	}
	if err != nil {
		h.failed(ctx, req.Email, err)
		writeOTPError(w, r, err)
		return
	}

	out, err := h.complete(ctx, w, res)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, out)
}

func (h *OTPHandlers) magicLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.s.deps.OTP.VerifyToken(ctx, httputil.PathString(r, "token"))
	if err != nil {
		h.failed(ctx, "", err)
		httputil.RedirectError(w, r, err)
		return
	}
	out, err := h.complete(ctx, w, res)
	if err != nil {
		httputil.RedirectError(w, r, err)
		return
	}
	httputil.Redirect(w, r, out.RedirectPath)
}

// complete opens a session for a verified code and picks the destination.
// A user without an organization always creates one first.
func (h *OTPHandlers) complete(ctx context.Context, w http.ResponseWriter, res *otp.Result) (*VerifyResponse, error) {
	user := res.User
	hasOrg, err := h.s.hasOrganization(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	hasPasskey, err := h.s.deps.Store.HasAuthenticator(ctx, user.ID)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "check authenticators")
	}

	issued, err := h.s.openSession(ctx, w, user)
	if err != nil {
		h.s.loginFailed(ctx, string(auth.KindEmailOTP), user.Email, err)
		return nil, err
	}

	redirect := httputil.SafeRedirectPath(res.RedirectPath, "")
	if redirect == "" {
		redirect = identity.NextStep(user, hasOrg, hasPasskey, h.s.now())
	}
	if !hasOrg {
		redirect = identity.PathNewOrganization
	}

	audit.LogSuccess(ctx, h.s.deps.Audit, audit.EventTypeOTPVerified, user.ID, user.Email, string(res.Purpose))
	eventType := audit.EventTypeLogin
	if res.Purpose == auth.PurposeSignup {
		eventType = audit.EventTypeSignup
	}
	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	event.UserID = user.ID
	event.Email = user.Email
	event.Provider = string(auth.KindEmailOTP)
	event.Metadata["session_id"] = issued.Session.ID
	audit.Record(ctx, h.s.deps.Audit, event)
	h.s.countLogin(string(auth.KindEmailOTP), true)

	return &VerifyResponse{
		User:         UserSummary{ID: user.ID, Email: user.Email},
		HasPasskey:   hasPasskey,
		RedirectPath: redirect,
		IsNewUser:    res.Purpose == auth.PurposeSignup,
		JWT:          issued.Token,
	}, nil
}

func (h *OTPHandlers) failed(ctx context.Context, addr string, err error) {
	audit.LogFailure(ctx, h.s.deps.Audit, audit.EventTypeOTPFailed, auth.NormalizeEmail(addr), autherr.Code(err), err)
	h.s.countLogin(string(auth.KindEmailOTP), false)
}

// writeOTPError tells the client when an expired code was replaced
func writeOTPError(w http.ResponseWriter, r *http.Request, err error) {
	var expired *otp.ExpiredError
	if errors.As(err, &expired) {
		httputil.WriteAuthErrorWith(w, r, err, map[string]interface{}{
			"code":   autherr.Code(err),
			"resent": expired.Resent,
		})
		return
	}
	httputil.WriteAuthError(w, r, err)
}
