package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storyhouse/internal/ratelimit"
	"storyhouse/internal/servicetoken"
	"storyhouse/internal/util"
	"storyhouse/pkg/domain"
	"storyhouse/pkg/pricing"
	"storyhouse/services/access/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	RedisAddr                   string
	RedisPassword               string
	TrustedProxies              []string
	UnlockRateLimitPerMinute    int
	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
}

// Server exposes HTTP endpoints for the access service.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	unlockLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	internalVerify *servicetoken.Verifier
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	unlockLimit := cfg.UnlockRateLimitPerMinute
	if unlockLimit <= 0 {
		unlockLimit = 30
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "storyhouse:access:ratelimit:unlock", unlockLimit, time.Minute)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
		VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           "access",
		AllowedIssuers:     []string{"catalog-service", "ops"},
		Leeway:             servicetoken.DefaultLeeway,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		unlockLimiter:  limiter,
		trustedProxies: trusted,
		internalVerify: verifier,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("access", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/internal/reconcile", s.withInternal(s.handleReconcile))

	s.mux.HandleFunc("/unlocks", s.handleListUnlocks)
	s.mux.HandleFunc("/books/", s.handleChapterRoute)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.internalVerify.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// /books/{author}/{slug}/chapters/{n}/{unlock|reading-license|content}
func (s *Server) handleChapterRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.Split(rest, "/")
	if len(parts) != 5 || parts[2] != "chapters" {
		notFound(w, "not found")
		return
	}
	bookID := domain.BookID(parts[0], parts[1])
	chapterNumber, err := strconv.Atoi(parts[3])
	if err != nil || chapterNumber < 1 {
		writeError(w, http.StatusBadRequest, "invalid chapter number")
		return
	}

	switch parts[4] {
	case "unlock":
		switch r.Method {
		case http.MethodGet:
			s.handleUnlockInfo(w, r, bookID, chapterNumber)
		case http.MethodPost:
			s.handleUnlock(w, r, bookID, chapterNumber)
		default:
			methodNotAllowed(w)
		}
	case "reading-license":
		switch r.Method {
		case http.MethodGet:
			s.handleReadingLicense(w, r, bookID, chapterNumber)
		case http.MethodPost:
			s.handleMintReadingLicense(w, r, bookID, chapterNumber)
		default:
			methodNotAllowed(w)
		}
	case "content":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleContent(w, r, bookID, chapterNumber)
	default:
		notFound(w, "not found")
	}
}

type unlockInfoResponse struct {
	BookID          string `json:"bookId"`
	ChapterNumber   int    `json:"chapterNumber"`
	IsFree          bool   `json:"isFree"`
	UnlockPrice     string `json:"unlockPrice"`
	CanAccess       bool   `json:"canAccess"`
	AlreadyUnlocked bool   `json:"alreadyUnlocked"`
	OriginalAuthor  string `json:"originalAuthor,omitempty"`
	OriginalContent bool   `json:"isOriginalContent"`
	IPAssetID       string `json:"ipAssetId,omitempty"`
	ParentIPAssetID string `json:"parentIpAssetId,omitempty"`
	LicenseTermsID  string `json:"licenseTermsId,omitempty"`
}

// userParam reads the caller's wallet address from the query string.
func userParam(r *http.Request) string {
	if v := r.URL.Query().Get("userAddress"); v != "" {
		return v
	}
	return r.URL.Query().Get("user")
}

func (s *Server) handleUnlockInfo(w http.ResponseWriter, r *http.Request, bookID string, chapterNumber int) {
	info, err := s.app.CheckAccess(r.Context(), userParam(r), bookID, chapterNumber)
	if err != nil {
		writeAppError(w, err)
		return
	}
	resp := unlockInfoResponse{
		BookID:          bookID,
		ChapterNumber:   chapterNumber,
		IsFree:          info.Decision.IsFree,
		UnlockPrice:     pricing.FormatTIP(info.Decision.UnlockPrice),
		CanAccess:       info.Decision.CanAccess,
		AlreadyUnlocked: info.Decision.AlreadyUnlocked,
		OriginalAuthor:  info.Attribution.OriginalAuthor,
		OriginalContent: info.Attribution.IsOriginalContent,
		LicenseTermsID:  info.Attribution.LicenseTermsID,
	}
	if info.Attribution.IsOriginalContent {
		resp.IPAssetID = info.Attribution.IPAssetID
	} else {
		resp.IPAssetID = info.Book.IPAssetID
		resp.ParentIPAssetID = info.Attribution.IPAssetID
	}
	writeJSON(w, http.StatusOK, resp)
}

type unlockRequest struct {
	UserAddress     string `json:"userAddress"`
	TransactionHash string `json:"transactionHash"`
	LicenseTokenID  string `json:"licenseTokenId"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, bookID string, chapterNumber int) {
	if !s.allowRate(w, r, "too many unlock attempts, retry later") {
		return
	}
	var req unlockRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Unlock(r.Context(), app.UnlockRequest{
		UserAddress:     req.UserAddress,
		BookID:          bookID,
		ChapterNumber:   chapterNumber,
		TransactionHash: req.TransactionHash,
		LicenseTokenID:  req.LicenseTokenID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyUnlocked {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReadingLicense(w http.ResponseWriter, r *http.Request, bookID string, chapterNumber int) {
	terms, err := s.app.ReadingLicense(r.Context(), bookID, chapterNumber)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, terms)
}

type mintLicenseRequest struct {
	UserAddress     string `json:"userAddress"`
	TransactionHash string `json:"transactionHash"`
}

// handleMintReadingLicense simulates the license mint for a verified unlock:
// it returns the terms plus the deterministic token id the unlock would
// record. No chain transaction is sent.
func (s *Server) handleMintReadingLicense(w http.ResponseWriter, r *http.Request, bookID string, chapterNumber int) {
	var req mintLicenseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	terms, err := s.app.ReadingLicense(r.Context(), bookID, chapterNumber)
	if err != nil {
		writeAppError(w, err)
		return
	}
	tokenID := s.app.MintReadingLicense(req.UserAddress, bookID, chapterNumber, req.TransactionHash)
	writeJSON(w, http.StatusOK, map[string]any{
		"licenseTokenId": tokenID,
		"terms":          terms,
	})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request, bookID string, chapterNumber int) {
	url, err := s.app.ContentURL(r.Context(), userParam(r), bookID, chapterNumber)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleListUnlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	records, err := s.app.Unlocks(userParam(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
		"count": len(records),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	report, err := s.app.ReconcileAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, msg string) bool {
	if s.unlockLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.unlockLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func writeAppError(w http.ResponseWriter, err error) {
	var vErr *app.ValidationError
	var attrErr *app.AttributionUnavailableError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Msg)
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, app.ErrChapterNotFound):
		writeError(w, http.StatusNotFound, "chapter not found")
	case errors.Is(err, app.ErrChapterLocked):
		writeError(w, http.StatusPaymentRequired, "chapter locked")
	case errors.Is(err, app.ErrMissingPaymentProof):
		writeError(w, http.StatusBadRequest, "payment proof required")
	case errors.Is(err, app.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, "Invalid or unconfirmed transaction. Please ensure the transaction is confirmed.")
	case errors.As(err, &attrErr):
		writeError(w, http.StatusConflict, "attribution unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForAccess(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForAccess(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "chapter not found":
		return "CHAPTER_NOT_FOUND"
	case message == "chapter locked":
		return "CHAPTER_LOCKED"
	case message == "payment proof required":
		return "UNLOCK_PAYMENT_PROOF_REQUIRED"
	case strings.Contains(message, "invalid or unconfirmed transaction"):
		return "UNLOCK_INVALID_TRANSACTION"
	case message == "attribution unavailable":
		return "UNLOCK_ATTRIBUTION_UNAVAILABLE"
	case strings.Contains(message, "too many unlock attempts"):
		return "UNLOCK_RATE_LIMITED"
	case message == "invalid chapter number":
		return "CHAPTER_INVALID_NUMBER"
	case message == "invalid json body":
		return "UNLOCK_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "UNLOCK_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusPaymentRequired:
		return "CHAPTER_LOCKED"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusConflict:
		return "UNLOCK_CONFLICT"
	case http.StatusTooManyRequests:
		return "UNLOCK_RATE_LIMITED"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
