package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

var baseURL = "http://localhost:8080"

func main() {
	if v := os.Getenv("E2E_BASE_URL"); v != "" {
		baseURL = v
	}
	// Wait for server to start
	time.Sleep(2 * time.Second)
	run := time.Now().UnixNano()

	// 1. Health Check
	checkEndpoint("GET", "/health", nil, 200)

	// 2. Register a security (created or updated, both fine on reruns)
	sec := call("POST", "/securities", map[string]any{
		"display_name": "Infosys Ltd",
		"exchange":     "NSE",
		"identifiers":  map[string]string{"isin": "INE009A01021", "exchange_code": "INFY"},
	}, 200, 201)
	secID := sec["id"].(string)
	fmt.Printf("Security ID: %s\n", secID)

	// 3. Create a portfolio
	p := call("POST", "/portfolios", map[string]any{
		"name":          fmt.Sprintf("e2e-%d", run),
		"base_currency": "INR",
		"cash_balance":  "100000",
	}, 201)
	pid := p["id"].(string)
	fmt.Printf("Portfolio ID: %s\n", pid)

	// 4. Post a manual trade
	checkEndpoint("POST", "/portfolios/"+pid+"/transactions", map[string]any{
		"security_id": "INFY",
		"type":        "BUY",
		"quantity":    "10",
		"price":       "1500",
		"date":        time.Now().UTC().Format(time.RFC3339),
	}, 201)

	// 5. Overselling is rejected
	checkEndpoint("POST", "/portfolios/"+pid+"/transactions", map[string]any{
		"security_id": secID,
		"type":        "SELL",
		"quantity":    "11",
		"price":       "1600",
		"date":        time.Now().UTC().Format(time.RFC3339),
	}, 422)

	// 6. Import a batch with one unresolvable name
	batch := call("POST", "/imports", map[string]any{
		"portfolio_id": pid,
		"rows": []map[string]string{
			{"identifier_code": "INFY", "side": "BUY", "quantity": "2", "price": "1,510", "date": "2024-02-01"},
			{"company_name": fmt.Sprintf("Unknown Holdings %d", run), "side": "BUY", "quantity": "1", "price": "10", "date": "2024-02-02"},
		},
	}, 200)
	batchID := batch["batch_id"].(string)

	// 7. Confirm the staged row against the security
	view := call("GET", "/imports/"+batchID, nil, 200)
	rows, _ := view["rows"].([]any)
	if len(rows) != 1 {
		log.Fatalf("Expected 1 staged row, got %d", len(rows))
	}
	rowID := rows[0].(map[string]any)["id"].(string)
	confirm := map[string]any{"portfolio_id": pid, "rows": []map[string]string{{"row_id": rowID, "security_id": secID}}}
	checkEndpoint("POST", "/imports/confirm", confirm, 200)

	// 8. Confirming again must not post a second time
	again := call("POST", "/imports/confirm", confirm, 200)
	if again["committed"].(float64) != 0 {
		log.Fatalf("Row committed twice: %v", again)
	}

	// 9. Portfolio, transactions and valuation
	checkEndpoint("GET", "/portfolios/"+pid, nil, 200)
	checkEndpoint("GET", "/portfolios/"+pid+"/transactions", nil, 200)
	checkEndpoint("POST", "/securities/"+secID+"/prices", map[string]string{"price": "1550"}, 201)
	checkEndpoint("GET", "/portfolios/"+pid+"/valuation", nil, 200)

	fmt.Println("ALL TESTS PASSED")
}

func checkEndpoint(method, path string, body interface{}, expectedStatus int) {
	call(method, path, body, expectedStatus)
}

func call(method, path string, body interface{}, expected ...int) map[string]any {
	fmt.Printf("Testing %s %s...\n", method, path)
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, baseURL+path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	ok := false
	for _, s := range expected {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		log.Fatalf("Expected status %v, got %d. Body: %s", expected, resp.StatusCode, string(respBody))
	}
	fmt.Printf("Response: %s\n", string(respBody))

	var out map[string]any
	_ = json.Unmarshal(respBody, &out)
	return out
}
