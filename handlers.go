package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
)

// ConnectSession creates the tenant's session or returns the existing one
// when it is healthy.
func (s *server) ConnectSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]

		_, err := s.sessions.CreateOrGetSession(r.Context(), sessionID)
		if err != nil {
			switch {
			case errors.Is(err, ErrInitializationTimeout):
				s.respondWithError(w, http.StatusGatewayTimeout, err.Error())
			case errors.Is(err, context.Canceled):
				s.respondWithError(w, http.StatusRequestTimeout, "request cancelled")
			default:
				log.Error().Err(err).Str("sessionID", sessionID).Msg("Session creation failed")
				s.respondWithError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}

		status, err := s.sessions.Status(sessionID)
		if err != nil {
			s.respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusOK, status)
	}
}

func (s *server) SessionStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		status, err := s.sessions.Status(sessionID)
		if err != nil {
			s.respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusOK, status)
	}
}

// SessionQR returns the pending QR challenge both raw and as a base64 PNG.
func (s *server) SessionQR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		code, err := s.sessions.QRCode(sessionID)
		if err != nil {
			s.respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		if code == "" {
			s.respondWithError(w, http.StatusNotFound, "no QR challenge pending")
			return
		}

		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			s.respondWithError(w, http.StatusInternalServerError, "failed to render QR code")
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]string{
			"code":  code,
			"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		})
	}
}

// ResetSession clears quota state and fails queued sends, keeping the
// connection alive.
func (s *server) ResetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		s.sessions.ResetSession(sessionID)
		s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

// DisconnectSession destroys the session; archived media is purged when
// requested explicitly.
func (s *server) DisconnectSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		if err := s.sessions.DestroySession(sessionID); err != nil {
			s.respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		if r.URL.Query().Get("purgeMedia") == "true" && s.archive.Enabled() {
			if err := s.archive.PurgeTenant(r.Context(), sessionID); err != nil {
				log.Warn().Err(err).Str("sessionID", sessionID).Msg("Archived media purge failed")
			}
		}
		s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
	}
}

type sendMessageRequest struct {
	Recipient  string `json:"recipient"`
	Text       string `json:"text"`
	Attachment string `json:"attachment,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	IsGroup    bool   `json:"isGroup,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
}

func (s *server) buildOutbound(req sendMessageRequest) (OutboundMessage, error) {
	msg := OutboundMessage{Text: req.Text}
	if req.Attachment != "" {
		att, err := decodeAttachment(req.Attachment, req.FileName)
		if err != nil {
			return OutboundMessage{}, err
		}
		msg.Attachment = att
	}
	return msg, nil
}

// sendFunc wraps the connection call with a transmission timeout and the
// best-effort media archive.
func (s *server) sendFunc(sessionID string, conn Connection, recipient string, msg OutboundMessage) SendFunc {
	return func(ctx context.Context) (SendReceipt, error) {
		sctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		receipt, err := conn.SendMessage(sctx, recipient, msg)
		if err == nil && msg.Attachment != nil && s.archive.Enabled() {
			actx, acancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, aerr := s.archive.ArchiveOutbound(actx, sessionID, recipient, receipt.ID, msg.Attachment); aerr != nil {
				log.Warn().Err(aerr).Str("sessionID", sessionID).Msg("Media archival failed")
			}
			acancel()
		}
		return receipt, err
	}
}

// SendMessage queues one message. The quota check runs up front so callers
// get an immediate retry-after instead of an invisible queue stall; paced
// dispatch still happens on the session worker.
func (s *server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Recipient == "" {
			s.respondWithError(w, http.StatusBadRequest, "recipient is required")
			return
		}
		if req.Text == "" && req.Attachment == "" {
			s.respondWithError(w, http.StatusBadRequest, "text or attachment is required")
			return
		}

		sess, ok := s.sessions.GetSession(sessionID)
		if !ok {
			s.respondWithError(w, http.StatusNotFound, ErrSessionNotFound.Error())
			return
		}

		msg, err := s.buildOutbound(req)
		if err != nil {
			s.respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		if decision := s.limiter.CanSend(sessionID, req.Recipient, msg.Text); !decision.Allowed {
			s.respondWithJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":      "rate limited",
				"reason":     decision.Reason,
				"waitTimeMs": decision.WaitTime.Milliseconds(),
			})
			return
		}

		conn := sess.Connection()
		opts := SendOptions{IsGroup: req.IsGroup, HasMedia: msg.Attachment != nil}
		item := s.queue.Enqueue(sessionID, req.Recipient, msg, s.sendFunc(sessionID, conn, req.Recipient, msg), opts)

		if !req.Wait {
			s.respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
				"id":      item.ID,
				"pending": s.queue.Pending(sessionID),
			})
			return
		}

		select {
		case outcome := <-item.Done():
			if outcome.Err != nil {
				status := http.StatusBadGateway
				if errors.Is(outcome.Err, ErrSessionDestroyed) || errors.Is(outcome.Err, ErrSessionReset) {
					status = http.StatusConflict
				}
				s.respondWithError(w, status, outcome.Err.Error())
				return
			}
			s.respondWithJSON(w, http.StatusOK, map[string]string{
				"id":        item.ID,
				"messageId": outcome.Receipt.ID,
			})
		case <-r.Context().Done():
			// The item stays queued; the client can only stop waiting.
			s.respondWithJSON(w, http.StatusAccepted, map[string]string{"id": item.ID})
		}
	}
}

type sendBulkRequest struct {
	Recipients []string `json:"recipients"`
	Text       string   `json:"text"`
	Attachment string   `json:"attachment,omitempty"`
	FileName   string   `json:"fileName,omitempty"`
	IsGroup    bool     `json:"isGroup,omitempty"`
}

// SendBulk queues the same message for many recipients; pacing and quota
// enforcement happen on the session worker as each item reaches the head.
func (s *server) SendBulk() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]

		var req sendBulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Recipients) == 0 {
			s.respondWithError(w, http.StatusBadRequest, "recipients are required")
			return
		}
		if req.Text == "" && req.Attachment == "" {
			s.respondWithError(w, http.StatusBadRequest, "text or attachment is required")
			return
		}

		sess, ok := s.sessions.GetSession(sessionID)
		if !ok {
			s.respondWithError(w, http.StatusNotFound, ErrSessionNotFound.Error())
			return
		}

		msg, err := s.buildOutbound(sendMessageRequest{
			Text:       req.Text,
			Attachment: req.Attachment,
			FileName:   req.FileName,
		})
		if err != nil {
			s.respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}

		conn := sess.Connection()
		opts := SendOptions{IsGroup: req.IsGroup, HasMedia: msg.Attachment != nil}
		items := make([]map[string]string, 0, len(req.Recipients))
		for _, recipient := range req.Recipients {
			item := s.queue.Enqueue(sessionID, recipient, msg, s.sendFunc(sessionID, conn, recipient, msg), opts)
			items = append(items, map[string]string{"id": item.ID, "recipient": recipient})
		}

		s.respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued": len(items),
			"items":  items,
		})
	}
}

func (s *server) RateLimitStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		s.respondWithJSON(w, http.StatusOK, s.limiter.Status(sessionID))
	}
}

func (s *server) ListContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		offset := 0
		if v := r.URL.Query().Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		contacts, total, err := s.store.ListContacts(r.Context(), sessionID, limit, offset)
		if err != nil {
			log.Error().Err(err).Str("sessionID", sessionID).Msg("Contact listing failed")
			s.respondWithError(w, http.StatusInternalServerError, "failed to list contacts")
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"contacts": contacts,
			"total":    total,
			"limit":    limit,
			"offset":   offset,
		})
	}
}

// StartContactSync launches a background synchronization for the session.
func (s *server) StartContactSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]

		sess, ok := s.sessions.GetSession(sessionID)
		if !ok {
			s.respondWithError(w, http.StatusNotFound, ErrSessionNotFound.Error())
			return
		}
		if sess.State() != StateReady {
			s.respondWithError(w, http.StatusConflict, ErrSessionNotReady.Error())
			return
		}

		jobID, err := s.syncer.StartSync(sessionID, sessionID, sess.Connection())
		if err != nil {
			if errors.Is(err, ErrSyncAlreadyRunning) {
				s.respondWithError(w, http.StatusConflict, err.Error())
				return
			}
			s.respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	}
}

func (s *server) ActiveSyncs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		jobs := []SyncJob{}
		for _, job := range s.syncer.GetActiveSyncs() {
			if job.SessionID == sessionID {
				jobs = append(jobs, job)
			}
		}
		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func (s *server) SyncProgress() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		job, ok := s.syncer.GetSyncProgress(vars["jobId"])
		if !ok || job.SessionID != vars["sessionId"] {
			s.respondWithError(w, http.StatusNotFound, "sync job not found")
			return
		}
		s.respondWithJSON(w, http.StatusOK, job)
	}
}

func (s *server) CancelContactSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		if err := s.syncer.CancelSync(sessionID); err != nil {
			s.respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (s *server) SetWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]

		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.URL == "" {
			s.respondWithError(w, http.StatusBadRequest, "url is required")
			return
		}
		if len(req.Events) == 0 {
			req.Events = []string{"All"}
		}

		if err := s.notifier.SetWebhook(sessionID, req.URL, req.Events); err != nil {
			s.respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"url":    req.URL,
			"events": req.Events,
		})
	}
}

func (s *server) GetWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		settings, found := s.notifier.GetWebhook(sessionID)
		if !found {
			s.respondWithError(w, http.StatusNotFound, "no webhook configured")
			return
		}
		s.respondWithJSON(w, http.StatusOK, settings)
	}
}

func (s *server) DeleteWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["sessionId"]
		s.notifier.RemoveWebhook(sessionID)
		s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	}
}

func (s *server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": s.sessions.Count(),
		})
	}
}
