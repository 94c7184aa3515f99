// Command examples walks a large payment through submission, dual approval
// and completion against an in-process fake of the treasury API.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"TreasuryGuard/sdk/go/treasury"
)

// fakeTreasury holds a single payment that needs two approvals.
type fakeTreasury struct {
	mu      sync.Mutex
	request treasury.TransactionRequest
	votes   []treasury.Vote
}

func (f *fakeTreasury) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, treasury.Token{AccessToken: "demo", ExpiresIn: 3600, TokenType: "Bearer"})
	})
	mux.HandleFunc("POST /api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&f.request)
		reply(w, http.StatusAccepted, f.outcome())
	})
	mux.HandleFunc("POST /api/v1/approvals/{requestID}", func(w http.ResponseWriter, r *http.Request) {
		var d treasury.Decision
		_ = json.NewDecoder(r.Body).Decode(&d)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.votes = append(f.votes, treasury.Vote{ApproverID: d.ApproverID, Decision: d.Decision, At: time.Now().UTC()})
		reply(w, http.StatusOK, treasury.Ballot{Request: f.request, Trigger: "amount", Threshold: 2, Votes: f.votes})
	})
	mux.HandleFunc("GET /api/v1/transactions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		reply(w, http.StatusOK, f.outcome())
	})
	return mux
}

func (f *fakeTreasury) outcome() treasury.Outcome {
	out := treasury.Outcome{RequestID: f.request.ID, Status: "awaiting_approval", SubmittedAt: time.Now().UTC()}
	if len(f.votes) >= 2 {
		out.Status = "completed"
		out.Attempts = 1
		out.Record = &treasury.Record{ID: "tx-" + f.request.ID, Status: "completed"}
	}
	return out
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func main() {
	srv := httptest.NewServer((&fakeTreasury{}).routes())
	defer srv.Close()

	client, err := treasury.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Authenticate(ctx, "ops", "secret"); err != nil {
		log.Fatal(err)
	}

	submitted, err := client.Submit(ctx, treasury.TransactionRequest{
		ID:                 "wire-2041",
		Type:               "payment",
		Amount:             decimal.RequireFromString("250000.00"),
		Currency:           "USD",
		SourceAccount:      "operating",
		DestinationAccount: "supplier",
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%s queued as %s", submitted.RequestID, submitted.Status)

	for _, approver := range []string{"alice", "bob"} {
		ballot, err := client.Approve(ctx, submitted.RequestID, approver, "invoice checked")
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("%s signed, %d/%d", approver, len(ballot.Votes), ballot.Threshold)
	}

	final, err := client.Transaction(ctx, submitted.RequestID)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%s is %s, terminal=%t", final.RequestID, final.Status, final.Terminal())
}
