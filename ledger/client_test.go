package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

func newRPCServer(t *testing.T, handler func(call rpcCall) (interface{}, *jsonRPCErrorObj)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		result, rpcErr := handler(call)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": call.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestClientFinalize(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (interface{}, *jsonRPCErrorObj) {
		if call.Method != "challenge_finalize" {
			t.Fatalf("unexpected method %s", call.Method)
		}
		var params []map[string]interface{}
		if err := json.Unmarshal(call.Params, &params); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if params[0]["winnerCount"].(float64) != 2 {
			t.Fatalf("winner count not forwarded: %v", params[0])
		}
		return map[string]string{"txRef": "tx-finalize-1"}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, "")
	txRef, err := client.Finalize(context.Background(), "chal-1", 2)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if txRef != "tx-finalize-1" {
		t.Fatalf("unexpected tx ref %s", txRef)
	}
}

func TestClientMapsRejectionToTxError(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (interface{}, *jsonRPCErrorObj) {
		return nil, &jsonRPCErrorObj{Code: -32001, Message: "challenge not active"}
	})
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.DistributeReward(context.Background(), "chal-1", "rv1winner")
	var txErr *TxError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected TxError, got %v", err)
	}
	if txErr.Op != "challenge_distributeReward" || txErr.Code != "-32001" {
		t.Fatalf("unexpected mapping: %+v", txErr)
	}
}

func TestClientMapsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, "", WithConfirmBudget(50*time.Millisecond))
	_, err := client.ClaimCreatorRemainder(context.Background(), "chal-1")
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Op != "challenge_claimRemainder" {
		t.Fatalf("timeout names wrong op: %s", timeout.Op)
	}
}

func TestClientAccountCreateWrapsRejection(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (interface{}, *jsonRPCErrorObj) {
		return nil, &jsonRPCErrorObj{Code: 7, Message: "asset not supported"}
	})
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.CreateRecipientAccount(context.Background(), "rv1voter")
	var createErr *AccountCreateError
	if !errors.As(err, &createErr) {
		t.Fatalf("expected AccountCreateError, got %v", err)
	}
	var txErr *TxError
	if !errors.As(err, &txErr) {
		t.Fatalf("account create should wrap the underlying TxError")
	}
}

func TestClientBalanceParsesStringAmount(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (interface{}, *jsonRPCErrorObj) {
		return map[string]string{"amount": "2500000"}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, "")
	amount, err := client.Balance(context.Background(), "rv1authority")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if amount != 2_500_000 {
		t.Fatalf("unexpected balance %d", amount)
	}
}

func TestTreasuryDerivation(t *testing.T) {
	if TreasuryRef("chal-9") != "treasury/chal-9" {
		t.Fatalf("treasury derivation changed")
	}
	if VotingTreasuryRef("chal-9") != "voting_treasury/chal-9" {
		t.Fatalf("voting treasury derivation changed")
	}
}
