package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ContractRelay/sdk/go/relay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(relay.TransactionResult{
			SubmissionID: "demo-submission",
			Hash:         "0x8f1d6f3bb0c7a2d0a5c8b7c6d6f0e4a1b9c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6",
			Nonce:        0,
			BlockNumber:  1,
			Status:       1,
		})
	})
	mux.HandleFunc("GET /api/v1/submissions/demo-submission", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(relay.Submission{
			ID:    "demo-submission",
			Stage: "confirmed",
			History: []relay.StageRecord{
				{Stage: "built", At: time.Now().Add(-2 * time.Second).UTC()},
				{Stage: "confirmed", At: time.Now().UTC()},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := relay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.ExecuteTransaction(ctx, relay.Invocation{
		Contract: "token",
		Function: "transfer",
		Args:     []any{"0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC", "1000"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("transaction %s included in block %d\n", result.Hash, result.BlockNumber)

	sub, err := client.GetSubmission(ctx, result.SubmissionID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("submission %s stage=%s transitions=%d\n", sub.ID, sub.Stage, len(sub.History))
}
