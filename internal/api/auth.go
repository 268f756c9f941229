package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devicelease/internal/auth"
)

const (
	// ticketTTL is how long a WebSocket ticket is valid.
	ticketTTL = 60 * time.Second

	// ticketBytes is the number of random bytes used for WebSocket tickets.
	ticketBytes = 32
)

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
	now     func() time.Time
}

// ticketEntry carries the caller's identity from the ticket request to the
// WebSocket connection.
type ticketEntry struct {
	expiresAt time.Time
	holder    string
	admin     bool
}

func newTicketStore() *ticketStore {
	return &ticketStore{
		tickets: make(map[string]ticketEntry),
		now:     time.Now,
	}
}

// issue stores a new ticket for holder and returns it.
func (ts *ticketStore) issue(holder string, admin bool) string {
	ticket := generateTicket()
	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{
		expiresAt: ts.now().Add(ticketTTL),
		holder:    holder,
		admin:     admin,
	}
	ts.mu.Unlock()
	return ticket
}

// consume checks a ticket and removes it (single-use).
func (ts *ticketStore) consume(ticket string) (ticketEntry, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(ts.tickets, ticket)
	if ts.now().After(entry.expiresAt) {
		return ticketEntry{}, false
	}
	return entry, true
}

// cleanExpired removes expired tickets from the store.
func (ts *ticketStore) cleanExpired() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	for ticket, entry := range ts.tickets {
		if now.After(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

func (ts *ticketStore) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tickets)
}

// cleanLoop runs cleanExpired periodically until the context is cancelled.
func (ts *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.cleanExpired()
		}
	}
}

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	_, _ = rand.Read(b) //nolint:errcheck // crypto/rand.Read never fails on supported platforms
	return hex.EncodeToString(b)
}

// handleWSTicket generates a single-use WebSocket authentication ticket
// bound to the caller's holder identity.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	ticket := s.tickets.issue(claims.Holder(), claims.IsAdmin())

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// issueTokenRequest is the body of POST /auth/tokens.
type issueTokenRequest struct {
	Holder     string     `json:"holder"`
	Scope      auth.Scope `json:"scope"`
	TTLMinutes int        `json:"ttl_minutes"`
}

// handleIssueToken mints a holder token. Admin only.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Holder = strings.TrimSpace(req.Holder)
	if req.Scope == "" {
		req.Scope = auth.ScopeRunner
	}
	if req.TTLMinutes < 0 {
		writeBadRequest(w, "ttl_minutes must not be negative")
		return
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl == 0 {
		ttl = time.Duration(s.secCfg.JWT.TokenTTL) * time.Minute
	}

	token, err := auth.GenerateHolderToken(req.Holder, req.Scope, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		if errors.Is(err, auth.ErrEmptyHolder) || errors.Is(err, auth.ErrInvalidScope) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("token generation failed", "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}

	s.logger.Info("holder token issued",
		"holder", req.Holder,
		"scope", req.Scope,
		"issued_by", claimsFrom(r.Context()).Holder(),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":  token,
		"holder": req.Holder,
		"scope":  req.Scope,
	})
}
