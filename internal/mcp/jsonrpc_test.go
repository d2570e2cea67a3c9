package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestResponseDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"find_deal"}]}}`, ""},
		{"rpc error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"Invalid params","data":"cursor expired"}}`,
			"jsonrpc error -32602: Invalid params (cursor expired)"},
		{"empty", `{"jsonrpc":"2.0","id":1}`, errEmptyResult.Error()},
		{"wrong shape", `{"jsonrpc":"2.0","id":1,"result":{"tools":"many"}}`, "unmarshal tools/list result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tt.raw), &resp); err != nil {
				t.Fatal(err)
			}
			var out toolsListResult
			err := resp.decode("tools/list", &out)
			if tt.wantErr == "" {
				if err != nil || len(out.Tools) != 1 || out.Tools[0].Name != "find_deal" {
					t.Fatalf("decode = %+v, %v", out, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsMethodNotFound(t *testing.T) {
	notFound := fmt.Errorf("ping: %w", &RPCError{Code: CodeMethodNotFound, Message: "Method not found"})
	if !IsMethodNotFound(notFound) {
		t.Error("wrapped -32601 not recognized")
	}
	if IsMethodNotFound(&RPCError{Code: CodeInternalError}) || IsMethodNotFound(errors.New("refused")) {
		t.Error("other errors must not match")
	}
}

func TestOmitsNilParams(t *testing.T) {
	for _, v := range []any{NewRequest(1, "ping", nil), NewNotification("notifications/initialized", nil)} {
		data, _ := json.Marshal(v)
		if strings.Contains(string(data), "params") {
			t.Errorf("%s should omit params", data)
		}
	}
}
