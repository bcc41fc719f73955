package api

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nyxlight/backend/internal/apperr"
	"github.com/nyxlight/backend/internal/audit"
	"github.com/nyxlight/backend/internal/ledger"
	"github.com/nyxlight/backend/internal/llm"
	"github.com/nyxlight/backend/internal/pipeline"
	"github.com/nyxlight/backend/internal/store"
)

// ==== Auth ====

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token       string `json:"token"`
	SessionID   string `json:"session_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	user, err := s.app.Vault.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	sess, err := s.app.Sessions.Create(user.Username, user.DisplayName)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	token, err := s.app.Tokens.Issue(user)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.app.Notify.SetRole(user.Username, user.Role)
	s.metrics.SessionsActive.Set(float64(s.app.Sessions.Active()))

	writeJSON(w, http.StatusOK, loginResponse{
		Token:       token,
		SessionID:   sess.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	})
}

// ==== Chat ====

type chatRequest struct {
	Message   string `json:"message"`
	Priority  int    `json:"priority"`
	SessionID string `json:"session_id,omitempty"`
}

type chatResponse struct {
	Reply      string `json:"reply"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Remaining  int    `json:"rate_remaining"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Message == "" {
		s.writeErr(w, apperr.New(apperr.InvalidInput, "poruka je obavezna"))
		return
	}
	if req.Priority < llm.PriorityNormal || req.Priority > llm.PriorityUrgent {
		req.Priority = llm.PriorityNormal
	}

	if verdict := s.app.Overseer.Evaluate(req.Message, "chat"); !verdict.Approved {
		s.metrics.RecordSafetyBlock(verdict.BoundaryType)
		s.metrics.RecordLLMResult("blocked")
		s.app.Trail.MustLog(r.Context(), audit.Entry{
			Event:    audit.EventSecurity,
			User:     user.Subject,
			Action:   "blokiran chat zahtjev",
			Details:  map[string]interface{}{"boundary": verdict.BoundaryType},
			Severity: audit.SeverityCritical,
		})
		s.writeErr(w, apperr.Blocked(verdict.BoundaryType, verdict.Reason))
		return
	}

	if req.SessionID != "" {
		s.app.Sessions.RecordMessage(req.SessionID)
	}

	start := time.Now()
	result, err := s.app.Queue.Do(r.Context(), user.Subject, req.Priority, llm.CompletionRequest{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: req.Message}},
		MaxTokens:   s.app.Config.LLM.MaxTokens,
		Temperature: s.app.Config.LLM.Temperature,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.metrics.LLMDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, chatResponse{
		Reply:      result.Content,
		TokensUsed: result.TokensUsed,
		Remaining:  s.app.Queue.Remaining(user.Subject),
	})
}

const systemPrompt = "Ti si Nyx, asistent hrvatskog knjigovodstvenog ureda. " +
	"Odgovaraš kratko i stručno na hrvatskom. Nikad ne daješ pravne savjete " +
	"i svako knjiženje ide na ljudsko odobrenje."

// ==== Bookings ====

type lineInput struct {
	Konto       string `json:"konto"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	PartnerOIB  string `json:"partner_oib,omitempty"`
}

type submitRequest struct {
	Client            string      `json:"client"`
	DocType           string      `json:"doc_type"`
	Lines             []lineInput `json:"lines"`
	Description       string      `json:"description"`
	CounterpartyTaxID string      `json:"counterparty_tax_id,omitempty"`
	DocDate           string      `json:"doc_date,omitempty"`
	BookingDate       string      `json:"booking_date,omitempty"`
	VATRate           string      `json:"vat_rate,omitempty"`
	VATAmount         string      `json:"vat_amount,omitempty"`
	Confidence        float64     `json:"confidence,omitempty"`
	AIReasoning       string      `json:"ai_reasoning,omitempty"`
	PaymentMethod     string      `json:"payment_method,omitempty"`
	KmRate            string      `json:"km_rate,omitempty"`
	SessionID         string      `json:"session_id,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	prop := &pipeline.Proposal{
		Client:            req.Client,
		DocType:           req.DocType,
		Description:       req.Description,
		CounterpartyTaxID: req.CounterpartyTaxID,
		DocDate:           req.DocDate,
		BookingDate:       req.BookingDate,
		VATRate:           req.VATRate,
		VATAmount:         req.VATAmount,
		Confidence:        req.Confidence,
		AIReasoning:       req.AIReasoning,
		PaymentMethod:     req.PaymentMethod,
	}
	if req.KmRate != "" {
		rate, err := ledger.ToAmount(req.KmRate)
		if err != nil {
			s.writeErr(w, apperr.Newf(apperr.InvalidInput, "neispravna km naknada: %v", err))
			return
		}
		prop.KmRate = rate
	}
	for _, in := range req.Lines {
		side, err := ledger.NormalizeSide(in.Side)
		if err != nil {
			s.writeErr(w, apperr.New(apperr.InvalidInput, err.Error()))
			return
		}
		amount, err := ledger.ToAmount(in.Amount)
		if err != nil {
			s.writeErr(w, apperr.New(apperr.InvalidInput, err.Error()))
			return
		}
		prop.Lines = append(prop.Lines, ledger.Line{
			Konto:       in.Konto,
			Side:        side,
			Amount:      amount,
			Description: in.Description,
			PartnerOIB:  in.PartnerOIB,
		})
	}

	if _, err := s.app.Pipeline.Submit(r.Context(), prop, user.Subject); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.SessionID != "" {
		s.app.Sessions.RecordBooking(req.SessionID, false)
	}
	s.metrics.RecordBooking("submitted")
	total, _ := prop.Total.Float64()
	s.metrics.RecordBookingAmount(prop.Client, total)

	writeJSON(w, http.StatusCreated, prop)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	client := r.URL.Query().Get("client")
	pending := s.app.Pipeline.ListPending(client)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := mux.Vars(r)["id"]

	prop, err := s.app.Pipeline.Approve(r.Context(), id, user.Subject)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.metrics.RecordBooking("approved")
	writeJSON(w, http.StatusOK, prop)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := mux.Vars(r)["id"]

	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	prop, err := s.app.Pipeline.Reject(r.Context(), id, user.Subject, req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.metrics.RecordBooking("rejected")
	writeJSON(w, http.StatusOK, prop)
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := mux.Vars(r)["id"]

	var corr pipeline.Correction
	if err := decodeBody(r, &corr); err != nil {
		s.writeErr(w, err)
		return
	}
	prop, err := s.app.Pipeline.Correct(r.Context(), id, user.Subject, corr)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.metrics.RecordBooking("corrected")
	writeJSON(w, http.StatusOK, prop)
}

// ==== Export ====

type exportRequest struct {
	Client string `json:"client"`
	ERP    string `json:"erp"`
	Format string `json:"format"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Format == "" {
		req.Format = "json"
	}
	result, err := s.app.Pipeline.ExportApproved(r.Context(), req.Client, req.ERP, req.Format, s.app.Emitter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.app.Metrics.ExportedRecords.WithLabelValues(req.ERP).Add(float64(result.Records))
	writeJSON(w, http.StatusOK, result)
}

// ==== Upload ====

const maxUploadBytes = 32 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeErr(w, apperr.Newf(apperr.InvalidInput, "neispravan multipart zahtjev: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErr(w, apperr.New(apperr.InvalidInput, "datoteka 'file' je obavezna"))
		return
	}
	defer file.Close()

	dst := filepath.Join(s.app.Config.Data.UploadsDir, filepath.Base(header.Filename))
	out, err := os.Create(dst)
	if err != nil {
		s.writeErr(w, apperr.Newf(apperr.Internal, "spremanje datoteke nije uspjelo: %v", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		s.writeErr(w, apperr.Newf(apperr.Internal, "spremanje datoteke nije uspjelo: %v", err))
		return
	}
	out.Close()

	source := r.FormValue("source")
	if source == "" {
		source = "upload"
	}
	result := s.app.Docs.Ingest(
		header.Filename,
		source,
		r.FormValue("text"),
		r.FormValue("folder"),
		r.FormValue("sender_email"),
		r.FormValue("client_hint"),
	)
	slog.Info("document ingested", "file", header.Filename, "type", result.DocType, "module", result.TargetModule)
	writeJSON(w, http.StatusOK, result)
}

// ==== Audit & monitor ====

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{
		Event:    q.Get("event"),
		User:     q.Get("user"),
		Severity: q.Get("severity"),
	}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse("2006-01-02", v); err == nil {
			f.From = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse("2006-01-02", v); err == nil {
			f.To = ts.Add(24 * time.Hour)
		}
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	rows, err := s.app.Trail.Query(r.Context(), f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": rows,
		"count":   len(rows),
	})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	chainOK, chainLen, err := s.app.Trail.VerifyChain(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"sessions":  s.app.Sessions.Stats(),
		"pipeline":  s.app.Pipeline.Stats(),
		"documents": s.app.Docs.Stats(),
		"llm":       s.app.Queue.Stats(),
		"ledger":    s.app.Ledger.Stats(),
		"overseer":  s.app.Overseer.Stats(),
		"notify":    s.app.Notify.Stats(),
		"access":    s.app.Access.Stats(),
		"scheduler": s.app.Scheduler.Stats(),
		"audit": map[string]interface{}{
			"chain_ok": chainOK,
			"rows":     chainLen,
		},
	})
}
